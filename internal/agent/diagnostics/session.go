// Package diagnostics collects counters from a running job process and captures dumps of it.
// A session follows a process by pid and has its own lifecycle, independent of the process handle.
package diagnostics

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/common/jobstats"
	"github.com/crankbench/crank/internal/common/util"
)

const Source = "Counters"

type Counter struct {
	Name  string
	Value float64
}

// CounterReader reads the current counters of a process.
type CounterReader interface {
	ReadCounters(pid int) ([]Counter, error)
}

// Session samples counters of one process on an interval until stopped.
type Session struct {
	id             string
	pid            int
	prefix         string
	interval       time.Duration
	reader         CounterReader
	onMeasurements func([]jobstats.Measurement)
	clock          util.Clock
	logger         *log.Entry

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewSession(pid int, prefix string, interval time.Duration, reader CounterReader, onMeasurements func([]jobstats.Measurement), clock util.Clock, logger *log.Entry) *Session {
	return &Session{
		id:             uuid.NewString(),
		pid:            pid,
		prefix:         prefix,
		interval:       interval,
		reader:         reader,
		onMeasurements: onMeasurements,
		clock:          clock,
		logger:         logger,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (s *Session) Id() string {
	return s.id
}

// Start begins sampling in the background.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

func (s *Session) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stop:
			return
		}
	}
}

// Stop ends sampling, takes a last sample and waits for the session to finish. Only the first call
// has an effect. It returns false if the session was never started.
func (s *Session) Stop() bool {
	stopped := false
	s.stopOnce.Do(func() {
		close(s.stop)
		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			<-s.done
			s.sample()
			stopped = true
		}
	})
	return stopped
}

func (s *Session) sample() {
	counters, err := s.reader.ReadCounters(s.pid)
	if err != nil {
		s.logger.WithError(err).Debugf("Could not read counters of process %d", s.pid)
		return
	}
	now := s.clock.Now()
	measurements := make([]jobstats.Measurement, 0, len(counters))
	for _, c := range counters {
		measurements = append(measurements, jobstats.Measurement{Name: s.prefix + c.Name, Timestamp: now, Value: c.Value})
	}
	if len(measurements) > 0 {
		s.onMeasurements(measurements)
	}
}

// Metadata describes the counters a session publishes.
func Metadata(prefix string) []jobstats.MeasurementMetadata {
	describe := func(name string, reduce jobstats.Operation, aggregate jobstats.Operation, description string, format string) jobstats.MeasurementMetadata {
		return jobstats.MeasurementMetadata{
			Source:           Source,
			Name:             prefix + name,
			Reduce:           reduce,
			Aggregate:        aggregate,
			ShortDescription: description,
			Format:           format,
		}
	}
	return []jobstats.MeasurementMetadata{
		describe(ThreadCount, jobstats.Max, jobstats.Max, "Max Thread Count", "n0"),
		describe(FileDescriptors, jobstats.Max, jobstats.Max, "Max Open Handles", "n0"),
		describe(ContextSwitches, jobstats.Delta, jobstats.Sum, "Context Switches", "n0"),
		describe(ReadBytes, jobstats.Delta, jobstats.Sum, "Bytes Read", "n0"),
		describe(WriteBytes, jobstats.Delta, jobstats.Sum, "Bytes Written", "n0"),
	}
}

const (
	ThreadCount     = "thread-count"
	FileDescriptors = "handles"
	ContextSwitches = "context-switches"
	ReadBytes       = "read-bytes"
	WriteBytes      = "write-bytes"
)
