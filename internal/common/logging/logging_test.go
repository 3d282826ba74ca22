package logging

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_JsonFormat(t *testing.T) {
	out := &bytes.Buffer{}
	entry, err := configure(logrus.New(), out, Config{Level: "debug", Format: "json"})
	require.NoError(t, err)

	ForJob(entry, 7).Debug("building")

	assert.Contains(t, out.String(), `"job":7`)
	assert.Contains(t, out.String(), `"msg":"building"`)
}

func TestConfigure_RejectsUnknownFormat(t *testing.T) {
	_, err := configure(logrus.New(), &bytes.Buffer{}, Config{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestConfigure_RejectsUnknownLevel(t *testing.T) {
	_, err := configure(logrus.New(), &bytes.Buffer{}, Config{Level: "loud"})
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"":        logrus.InfoLevel,
		"DEBUG":   logrus.DebugLevel,
		"warning": logrus.WarnLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
	}
	for input, expected := range tests {
		t.Run(input, func(t *testing.T) {
			level, err := parseLogLevel(input)
			require.NoError(t, err)
			assert.Equal(t, expected, level)
		})
	}
}

func TestForService(t *testing.T) {
	logger, hook := test.NewNullLogger()

	ForService(logrus.NewEntry(logger), "application").Info("started")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "application", hook.LastEntry().Data[ServiceField])
}

type wrapped struct{ cause error }

func (w *wrapped) Error() string { return "wrapped: " + w.cause.Error() }
func (w *wrapped) Unwrap() error { return w.cause }

type plain string

func (p plain) Error() string { return string(p) }

func TestWithStacktrace(t *testing.T) {
	logger, hook := test.NewNullLogger()

	WithStacktrace(logrus.NewEntry(logger), &wrapped{cause: errors.New("clone failed")}).Error("failed")
	require.Len(t, hook.Entries, 1)
	assert.Contains(t, hook.LastEntry().Data[StacktraceField], "TestWithStacktrace")
	assert.EqualError(t, hook.LastEntry().Data[logrus.ErrorKey].(error), "wrapped: clone failed")

	WithStacktrace(logrus.NewEntry(logger), plain("no stack")).Error("failed")
	_, ok := hook.LastEntry().Data[StacktraceField]
	assert.False(t, ok)
}
