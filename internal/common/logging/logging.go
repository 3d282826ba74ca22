// Package logging configures logrus for the agent and the controller binaries.
//
// The standard logger is configured once in main. Components never reach for it directly:
// they are handed a *logrus.Entry, usually tagged with the job or service they work on,
// so that concurrently running jobs can be tested in isolation.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

const (
	JobIdField   = "job"
	ServiceField = "service"
	RunIdField   = "run"
)

// ConfigureLogging applies cfg to the logrus standard logger and returns it wrapped in an entry.
func ConfigureLogging(cfg Config) (*logrus.Entry, error) {
	return configure(logrus.StandardLogger(), os.Stdout, cfg)
}

func configure(logger *logrus.Logger, out io.Writer, cfg Config) (*logrus.Entry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	level, _ := parseLogLevel(cfg.Level)
	logger.SetLevel(level)
	logger.SetOutput(out)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	}
	if cfg.PrometheusHook {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			return nil, err
		}
		logger.AddHook(hook)
	}
	return logrus.NewEntry(logger), nil
}

// ForJob returns a child logger tagged with the agent job id.
func ForJob(logger *logrus.Entry, jobId int) *logrus.Entry {
	return logger.WithField(JobIdField, jobId)
}

// ForService returns a child logger tagged with a scenario service name.
func ForService(logger *logrus.Entry, service string) *logrus.Entry {
	return logger.WithField(ServiceField, service)
}
