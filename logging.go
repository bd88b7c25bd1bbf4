package main

import (
	"github.com/sirupsen/logrus"
)

func newLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: logDate,
	})
	if cfg.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}
