package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/diagnostics"
	"github.com/crankbench/crank/internal/agent/docker"
	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/common/jobstats"
	"github.com/crankbench/crank/internal/common/logging"
)

// JobContext holds the live resources of one job: its process or container, its limiter scope
// and its diagnostics session. It is owned by the orchestrator and never leaves it.
type JobContext struct {
	job    *job.Job
	logger *log.Entry

	// Cancelled when a stop is requested or the agent shuts down
	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	process          *process.Process
	container        *docker.Container
	session          *diagnostics.Session
	workingDirectory string
	startedAt        time.Time
	parser           jobstats.Parser
	lastSample       *process.Sample

	scoped     atomic.Bool
	monitoring atomic.Bool
	force      atomic.Bool
	selfDelete atomic.Bool
	deleting   atomic.Bool

	stopOnce    sync.Once
	stopped     atomic.Bool
	scopeOnce   sync.Once
	disposeOnce sync.Once
	readyOnce   sync.Once
	ready       chan struct{}
	finished    chan struct{}
}

func newJobContext(parent context.Context, j *job.Job, logger *log.Entry) *JobContext {
	ctx, cancel := context.WithCancel(parent)
	return &JobContext{
		job:      j,
		logger:   logging.ForJob(logger, j.Id()),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (jc *JobContext) Job() *job.Job {
	return jc.job
}

// requestStop ends whatever the job is doing and moves it towards Stopped.
func (jc *JobContext) requestStop() {
	jc.stopOnce.Do(func() {
		jc.stopped.Store(true)
		jc.cancel()
	})
}

func (jc *JobContext) stopRequested() bool {
	return jc.stopped.Load()
}

func (jc *JobContext) Process() *process.Process {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.process
}

func (jc *JobContext) setProcess(p *process.Process) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.process = p
}

func (jc *JobContext) Container() *docker.Container {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.container
}

func (jc *JobContext) setContainer(c *docker.Container) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.container = c
}

func (jc *JobContext) diagnosticsSession() *diagnostics.Session {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.session
}

// exited is closed when the process or container of the job exits. It is nil before launch.
func (jc *JobContext) exited() <-chan struct{} {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.process != nil {
		return jc.process.Done()
	}
	if jc.container != nil {
		return jc.container.Done()
	}
	return nil
}

func (jc *JobContext) exitCode() (int, bool) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.process != nil {
		return jc.process.ExitCode()
	}
	if jc.container != nil {
		return jc.container.ExitCode()
	}
	return 0, false
}

func (jc *JobContext) markReady() {
	jc.readyOnce.Do(func() { close(jc.ready) })
}

// feedOutput records a line of job output and extracts job statistics from it.
func (jc *JobContext) feedOutput(line string, readyText string) {
	jc.job.AppendOutput(line)
	if readyText != "" && strings.Contains(line, readyText) {
		jc.markReady()
	}

	jc.mu.Lock()
	stats, err := jc.parser.Feed(line)
	jc.mu.Unlock()
	if err != nil {
		jc.logger.WithError(err).Warn("Ignoring malformed job statistics")
		return
	}
	if stats != nil {
		jc.job.AddMetadata(stats.Metadata...)
		jc.job.AddMeasurements(stats.Measurements...)
	}
}

// Dispose releases the process handle. Only the first call has an effect; it returns whether
// this call performed the release.
func (jc *JobContext) Dispose(wait time.Duration) bool {
	disposed := false
	jc.disposeOnce.Do(func() {
		disposed = true
		jc.cancel()
		p := jc.Process()
		if p == nil {
			return
		}
		select {
		case <-p.Done():
			p.Release()
		case <-time.After(wait):
			jc.logger.Warnf("Process %d is still running, releasing its handle once it exits", p.Pid())
			go p.Release()
		}
	})
	return disposed
}
