package logging

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const StacktraceField = "stacktrace"

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// WithStacktrace adds err to logger, together with the innermost pkg/errors stack trace of its chain
// when there is one. The chain is followed through Unwrap, so the typed benchmark errors that wrap
// a cause are looked through too.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(StacktraceField, fmt.Sprintf("%+v", stack))
	}
	return logger
}

// ExtractStack returns the stack trace recorded closest to where err originated, or nil.
func ExtractStack(err error) errors.StackTrace {
	var stack errors.StackTrace
	for err != nil {
		if tracer, ok := err.(stackTracer); ok {
			stack = tracer.StackTrace()
		}
		err = errors.Unwrap(err)
	}
	return stack
}
