package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	fsnotify "gopkg.in/fsnotify.v1"

	"github.com/czerwonk/latency_monitor/config"
)

type intervalSetter interface {
	SetInterval(d time.Duration) error
	Interval() time.Duration
}

// watchConfigFile calls onChange with the new config every time the file at
// path is written or replaced. The directory is watched so editors replacing
// the file are noticed as well.
func watchConfigFile(ctx context.Context, path string, onChange func(*config.Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not watch config: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("could not watch config: %w", err)
	}
	log.Infof("Watching %s for changes", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			cfg, err := config.FromFile(path)
			if err != nil {
				log.Warnf("could not reload config %s: %v", path, err)
				continue
			}
			onChange(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config watcher: %v", err)
		}
	}
}

// applyInterval applies a changed probe interval of a reloaded config. All
// other settings need a restart.
func applyInterval(cfg *config.Config, s intervalSetter) {
	d := cfg.Probe.Interval.Duration()
	if d == 0 || d == s.Interval() {
		return
	}

	if err := s.SetInterval(d); err != nil {
		log.Errorf("could not apply probe.interval from config: %v", err)
		return
	}
	log.Infof("Applied probe.interval %s from config", d)
}
