package main

import log "github.com/sirupsen/logrus"

func setLogLevel(l string) {
	lvl, err := log.ParseLevel(l)
	if err != nil {
		log.Warnf("unknown log level %q, falling back to info", l)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
