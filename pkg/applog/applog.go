// Package applog sets up the structured logger shared across every
// component. Adapted from the teacher's pkg/log: same JSON formatter,
// LOG_LEVEL env var, and debug-vs-production split, wired to this
// service's own config type instead of lazydocker's.
package applog

import (
	"io"
	"os"
	"path/filepath"

	"github.com/debug-host/hostd/pkg/config"
	"github.com/sirupsen/logrus"
)

// New returns the process-wide logger entry, tagged with build metadata.
func New(cfg *config.AppConfig) *logrus.Entry {
	var log *logrus.Logger
	if cfg.Debug {
		log = newDevelopmentLogger(cfg)
	} else {
		log = newProductionLogger()
	}

	log.Formatter = &logrus.JSONFormatter{}

	return log.WithFields(logrus.Fields{
		"version":   cfg.Version,
		"commit":    cfg.Commit,
		"buildDate": cfg.BuildDate,
	})
}

func getLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

func newDevelopmentLogger(cfg *config.AppConfig) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(getLogLevel())

	file, err := os.OpenFile(filepath.Join(cfg.ConfigDir, "debug-hostd.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		log.SetOutput(os.Stderr)
		return log
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return log
}

func newProductionLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetOutput(os.Stdout)
	return log
}
