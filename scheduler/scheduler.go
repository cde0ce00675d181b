// Package scheduler runs the periodic probe loop for a single target.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/czerwonk/latency_monitor/history"
	"github.com/czerwonk/latency_monitor/probe"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultQuantum  = 100 * time.Millisecond
	DefaultWarmup   = 500 * time.Millisecond

	MinInterval = time.Millisecond
	MaxInterval = time.Hour
)

var (
	ErrAlreadyRunning  = errors.New("scheduler is already running")
	ErrStopping        = errors.New("scheduler is still stopping")
	ErrStopped         = errors.New("scheduler is stopped")
	ErrInvalidInterval = errors.New("invalid interval")
)

// State of the probe loop.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the loop parameters.
type Config struct {
	Interval    time.Duration // time between the start of two probes
	Quantum     time.Duration // longest sleep before the loop re-checks its schedule
	Warmup      time.Duration // delay between readiness and the first probe
	HistorySize int           // number of results used for jitter
	SkipLost    bool          // exclude lost probes from jitter
}

// DefaultConfig returns the default loop parameters.
func DefaultConfig() Config {
	return Config{
		Interval:    DefaultInterval,
		Quantum:     DefaultQuantum,
		Warmup:      DefaultWarmup,
		HistorySize: history.DefaultSize,
	}
}

// Stats are counters over the lifetime of a Scheduler.
type Stats struct {
	Ticks           uint64 `json:"ticks"`
	ProbeFailures   uint64 `json:"probeFailures"`
	PublishFailures uint64 `json:"publishFailures"`
}

// Scheduler probes a target at a configurable interval and hands every
// result to a Publisher. At most one probe is in flight at any time.
type Scheduler struct {
	sampler   probe.Sampler
	target    probe.Target
	publisher Publisher
	cfg       Config

	interval atomic.Int64

	mtx   sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}

	ready     chan struct{}
	readyOnce sync.Once

	latest          atomic.Pointer[Snapshot]
	ticks           atomic.Uint64
	probeFailures   atomic.Uint64
	publishFailures atomic.Uint64
	publishLog      rate.Sometimes
}

// New creates an idle Scheduler. A nil publisher discards snapshots.
func New(sampler probe.Sampler, target probe.Target, publisher Publisher, cfg Config) (*Scheduler, error) {
	if sampler == nil {
		return nil, errors.New("sampler must not be nil")
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := validInterval(cfg.Interval); err != nil {
		return nil, err
	}
	if cfg.Quantum <= 0 {
		return nil, fmt.Errorf("polling quantum must be positive, got %v", cfg.Quantum)
	}
	if cfg.Warmup < 0 {
		return nil, fmt.Errorf("warmup must not be negative, got %v", cfg.Warmup)
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = history.DefaultSize
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}

	s := &Scheduler{
		sampler:    sampler,
		target:     target,
		publisher:  publisher,
		cfg:        cfg,
		ready:      make(chan struct{}),
		publishLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	s.interval.Store(int64(cfg.Interval))

	return s, nil
}

func validInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return fmt.Errorf("%w: %v (must be between %v and %v)", ErrInvalidInterval, d, MinInterval, MaxInterval)
	}
	return nil
}

// Target returns the probed target.
func (s *Scheduler) Target() probe.Target {
	return s.target
}

// Interval returns the current probe interval.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// State returns the current loop state.
func (s *Scheduler) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.state
}

// Stats returns the lifetime counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:           s.ticks.Load(),
		ProbeFailures:   s.probeFailures.Load(),
		PublishFailures: s.publishFailures.Load(),
	}
}

// LatestSnapshot returns the most recent snapshot or nil if nothing was
// measured yet. It never triggers a probe.
func (s *Scheduler) LatestSnapshot() *Snapshot {
	return s.latest.Load()
}

// SignalReady releases the first probe. Further calls have no effect.
func (s *Scheduler) SignalReady() {
	s.readyOnce.Do(func() {
		log.Infoln("Display is ready")
		close(s.ready)
	})
}

// Start launches the probe loop.
func (s *Scheduler) Start() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch s.state {
	case Running:
		return ErrAlreadyRunning
	case Stopped:
		select {
		case <-s.done:
		default:
			return ErrStopping
		}
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.state = Running
	go s.run(s.stop, s.done)

	log.Infof("Started probing %s (interval=%s, quantum=%s, history=%d)",
		s.target, s.Interval(), s.cfg.Quantum, s.cfg.HistorySize)
	return nil
}

// Stop signals the loop to end and waits until it has exited. A probe in
// flight is allowed to complete. Stop returns ctx.Err() if the loop did not
// exit in time; the loop still terminates once its probe returns.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mtx.Lock()
	if s.state == Running {
		s.state = Stopped
		close(s.stop)
		log.Infof("Stopping probes of %s", s.target)
	}
	done := s.done
	s.mtx.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetInterval changes the probe interval. The new value applies from the
// next scheduling decision on, the loop is not restarted.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if err := validInterval(d); err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state == Stopped {
		return ErrStopped
	}

	old := time.Duration(s.interval.Swap(int64(d)))
	if old != d {
		log.Infof("Changed probe interval from %s to %s", old, d)
	}
	return nil
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	sleep := func(d time.Duration) bool {
		timer.Reset(d)
		select {
		case <-timer.C:
			return true
		case <-stop:
			return false
		}
	}

	select {
	case <-s.ready:
	case <-stop:
		return
	}

	if s.cfg.Warmup > 0 && !sleep(s.cfg.Warmup) {
		return
	}

	hist := history.New(s.cfg.HistorySize, history.SkipLost(s.cfg.SkipLost))
	var (
		anchor time.Time
		seq    uint64
	)

	for {
		select {
		case <-stop:
			return
		default:
		}

		interval := s.Interval()
		now := time.Now()
		due := anchor.Add(interval)

		if anchor.IsZero() || !now.Before(due) {
			seq++
			s.tick(hist, seq)

			anchor = now
			if s.Interval() != interval {
				// changed while the probe was in flight
				anchor = time.Now()
			}
			continue
		}

		wait := due.Sub(now)
		if wait > s.cfg.Quantum {
			wait = s.cfg.Quantum
		}
		if !sleep(wait) {
			return
		}
	}
}

func (s *Scheduler) tick(hist *history.History, seq uint64) {
	r := s.measure()
	hist.Record(r)

	snap := newSnapshot(seq, r, hist)
	s.latest.Store(&snap)
	s.ticks.Add(1)
	if r.Lost() {
		s.probeFailures.Add(1)
	}

	log.Debugf("tick %d: latency=%.1fms jitter=%.1fms loss=%.0f%%", seq, snap.Latency, snap.Jitter, snap.PacketLoss)

	if err := s.publish(snap); err != nil {
		s.publishFailures.Add(1)
		s.publishLog.Do(func() {
			log.Warnf("Could not publish snapshot %d: %v", seq, err)
		})
	}
}

func (s *Scheduler) measure() (r probe.Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("Probe of %s panicked: %v", s.target, p)
			r = probe.Result{Timestamp: time.Now()}
		}
	}()

	// stop must not abort a running probe, its own timeout bounds it
	r = s.sampler.Probe(context.Background(), s.target)
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	return r
}

func (s *Scheduler) publish(snap Snapshot) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("publisher panicked: %v", p)
		}
	}()

	return s.publisher.Publish(snap)
}
