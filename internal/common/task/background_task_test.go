package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBackgroundTaskManager_RunsUntilStopped(t *testing.T) {
	registry := prometheus.NewRegistry()
	manager := NewBackgroundTaskManager("crank_test_", registry)
	var calls int32

	manager.Register(func() { atomic.AddInt32(&calls, 1) }, 10*time.Millisecond, "tick")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, manager.StopAll(time.Second))

	stoppedAt := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stoppedAt, atomic.LoadInt32(&calls))
	count, err := testutil.GatherAndCount(registry, "crank_test_tick_latency_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBackgroundTaskManager_ReusesRegisteredHistogram(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewBackgroundTaskManager("crank_test_", registry)
	second := NewBackgroundTaskManager("crank_test_", registry)

	first.Register(func() {}, time.Hour, "same")
	second.Register(func() {}, time.Hour, "same")

	assert.False(t, first.StopAll(time.Second))
	assert.False(t, second.StopAll(time.Second))
}

func TestBackgroundTaskManager_RegisterAfterStopIsIgnored(t *testing.T) {
	manager := NewBackgroundTaskManager("crank_test_", nil)
	assert.False(t, manager.StopAll(time.Second))
	assert.False(t, manager.StopAll(time.Second))

	var calls int32
	manager.Register(func() { atomic.AddInt32(&calls, 1) }, time.Millisecond, "late")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestBackgroundTaskManager_ReportsSlowShutdown(t *testing.T) {
	manager := NewBackgroundTaskManager("crank_test_", nil)
	release := make(chan struct{})
	started := make(chan struct{})
	manager.Register(func() {
		close(started)
		<-release
	}, time.Hour, "slow")
	<-started

	assert.True(t, manager.StopAll(10*time.Millisecond))
	close(release)
	assert.False(t, manager.StopAll(time.Second))
}
