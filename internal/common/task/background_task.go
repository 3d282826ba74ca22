// Package task runs the periodic housekeeping of the agent, such as sweeping abandoned jobs and
// refreshing gauges, and records how long each run takes.
package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BackgroundTaskManager runs registered functions on a fixed interval until StopAll.
// Each task gets a <prefix><name>_latency_seconds histogram.
type BackgroundTaskManager struct {
	metricsPrefix string
	registerer    prometheus.Registerer

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		stop:          make(chan struct{}),
	}
}

// Register runs fn once right away and then every interval. It does nothing after StopAll.
func (m *BackgroundTaskManager) Register(fn func(), interval time.Duration, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	latency := m.histogram(name)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			start := time.Now()
			fn()
			latency.Observe(time.Since(start).Seconds())
			select {
			case <-ticker.C:
			case <-m.stop:
				return
			}
		}
	}()
}

// StopAll stops every task and reports whether they failed to finish within timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}

func (m *BackgroundTaskManager) histogram(name string) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    m.metricsPrefix + name + "_latency_seconds",
		Help:    "Duration of the " + name + " background task in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})
	if m.registerer == nil {
		return h
	}
	if err := m.registerer.Register(h); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return existing.ExistingCollector.(prometheus.Histogram)
		}
	}
	return h
}
