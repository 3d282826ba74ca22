package logging

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines console logging for the agent and the controller.
type Config struct {
	// Log level, e.g. info, debug, warn
	Level string `mapstructure:"level"`
	// Logging format, either text or json
	Format string `mapstructure:"format"`
	// Whether log lines are counted per level in Prometheus
	PrometheusHook bool `mapstructure:"prometheusHook"`
}

func (c Config) validate() error {
	if _, err := parseLogLevel(c.Level); err != nil {
		return err
	}
	return validateLogFormat(c.Format)
}

func validateLogFormat(f string) error {
	if f == "" {
		return nil
	}
	if _, ok := validLogFormats[f]; !ok {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, formats)
	}
	return nil
}

func parseLogLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	switch strings.ToLower(level) {
	case "warning":
		return logrus.WarnLevel, nil
	default:
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return logrus.InfoLevel, errors.Errorf("unknown level: %s", level)
		}
		return parsed, nil
	}
}
