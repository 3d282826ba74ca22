package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

var discard = func() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}()

// NullEntry returns an entry that discards everything, for tests and optional loggers.
func NullEntry() *logrus.Entry {
	return logrus.NewEntry(discard)
}

// OrNull returns logger, or a discarding entry when logger is nil.
func OrNull(logger *logrus.Entry) *logrus.Entry {
	if logger == nil {
		return NullEntry()
	}
	return logger
}
