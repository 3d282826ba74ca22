package coordinator

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/controller/scenario"
)

// jobRun is one job of a service on one agent.
type jobRun struct {
	service  scenario.Service
	agentUrl string
	client   AgentClient
	jobUrl   string
	logger   *log.Entry

	mu               sync.Mutex
	state            job.State
	measurements     int
	lastMeasurement  time.Time
	lastProgress     time.Time
	deadlockReported bool
}

func (r *jobRun) getState() job.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *jobRun) setState(state job.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state != r.state {
		r.logger.Debugf("%s -> %s", r.state, state)
	}
	r.state = state
}

func (r *jobRun) resetProgress(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastProgress = now
}

// observe records info and returns an ErrJobDeadlock the first time the job has been running
// without progress for longer than idleTimeout.
func (r *jobRun) observe(info job.Info, now time.Time, idleTimeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Agent samples (cpu, memory, counters) keep flowing while a benchmark hangs, so only
	// measurements reported by the job itself count.
	progressed := info.State != r.state ||
		info.ReportedMeasurements != r.measurements ||
		info.LastMeasurementTime.After(r.lastMeasurement)
	if progressed {
		r.state = info.State
		r.measurements = info.ReportedMeasurements
		r.lastMeasurement = info.LastMeasurementTime
		r.lastProgress = now
		return nil
	}
	if info.State != job.Running || r.deadlockReported {
		return nil
	}
	idle := now.Sub(r.lastProgress)
	if idle <= idleTimeout {
		return nil
	}
	r.deadlockReported = true
	return &benchmarkerrors.ErrJobDeadlock{
		Service:   r.service.Name,
		JobUrl:    r.jobUrl,
		LastState: string(info.State),
		IdleFor:   idle,
	}
}
