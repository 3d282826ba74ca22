// Package orchestrator drives agent jobs through their lifecycle: preparing sources, building,
// launching under resource limits, monitoring, stopping and deleting.
package orchestrator

import (
	"context"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/configuration"
	"github.com/crankbench/crank/internal/agent/diagnostics"
	"github.com/crankbench/crank/internal/agent/docker"
	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/limiter"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/agent/repository"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/util"
)

type SourceAcquirer interface {
	Acquire(ctx context.Context, name string, src job.Source, workingDirectory string) (string, error)
}

type ContainerLauncher interface {
	Launch(ctx context.Context, name string, def *job.Definition, onOutput func(string)) (*docker.Container, error)
}

type DumpCollector interface {
	Collect(ctx context.Context, pid int, dumpType job.DumpType, outputDirectory string) (string, error)
}

// Sampler reads the resource usage of a process tree.
type Sampler func(pid int) (process.Sample, error)

// StateObserver is told about every state change of every job.
type StateObserver interface {
	StateChanged(service string, from job.State, to job.State)
}

type noopObserver struct{}

func (noopObserver) StateChanged(string, job.State, job.State) {}

type Dependencies struct {
	Repository repository.JobRepository
	Limiter    limiter.Limiter
	Runner     process.Runner
	Sources    SourceAcquirer
	// Nil when containerized jobs are not supported by this agent
	Launcher ContainerLauncher
	Dumps    DumpCollector
	// Nil when counters cannot be read on this platform
	Counters diagnostics.CounterReader
	Sampler  Sampler
	Observer StateObserver
	Clock    util.Clock
}

type Orchestrator struct {
	config   configuration.AgentConfiguration
	deps     Dependencies
	agentPid int
	logger   *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	contexts sync.Map
	wg       sync.WaitGroup
}

func New(config configuration.AgentConfiguration, deps Dependencies, logger *log.Entry) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = &util.DefaultClock{}
	}
	if deps.Sampler == nil {
		deps.Sampler = process.SampleTree
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:   config,
		deps:     deps,
		agentPid: os.Getpid(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit validates def, registers a job for it and starts driving it in the background.
func (o *Orchestrator) Submit(def job.Definition) (*job.Job, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.RunId == "" {
		def.RunId = util.NewRunId()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, &benchmarkerrors.ErrCanceled{Operation: "submit", Cause: context.Canceled}
	}
	j := job.NewJob(def, o.deps.Clock)
	id, err := o.deps.Repository.Add(j)
	if err != nil {
		return nil, err
	}
	jc := newJobContext(o.ctx, j, o.logger)
	o.contexts.Store(id, jc)
	jc.logger.Infof("Accepted job for service %q", def.Service)

	o.wg.Add(1)
	go o.run(jc)
	return j, nil
}

// Find returns the job with id, or nil.
func (o *Orchestrator) Find(id int) *job.Job {
	return o.deps.Repository.Find(id)
}

func (o *Orchestrator) Jobs() []*job.Job {
	return o.deps.Repository.GetAll()
}

func (o *Orchestrator) Touch(id int) error {
	j := o.deps.Repository.Find(id)
	if j == nil {
		return notFound(id)
	}
	j.Touch()
	return nil
}

// Stop asks job id to stop. The job reaches Stopped asynchronously.
func (o *Orchestrator) Stop(id int) error {
	jc, err := o.jobContext(id)
	if err != nil {
		return err
	}
	jc.logger.Info("Stop requested")
	jc.requestStop()
	return nil
}

// Delete stops job id if needed, releases everything it holds and removes it from the repository.
func (o *Orchestrator) Delete(id int) error {
	jc, err := o.jobContext(id)
	if err != nil {
		return err
	}
	o.scheduleDelete(jc)
	return nil
}

func (o *Orchestrator) scheduleDelete(jc *JobContext) {
	jc.requestStop()
	if !jc.deleting.CompareAndSwap(false, true) {
		return
	}
	jc.logger.Info("Delete requested")
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.delete(jc)
	}()
}

// Sweep deletes jobs that have finished and whose controller has not been heard from within the
// driver timeout.
func (o *Orchestrator) Sweep() {
	now := o.deps.Clock.Now()
	o.contexts.Range(func(_, value interface{}) bool {
		jc := value.(*JobContext)
		if !jc.job.State().IsFinished() {
			return true
		}
		if now.Sub(jc.job.LastDriverCommunication()) > o.config.Job.DriverTimeout {
			jc.logger.Warnf("No communication from the controller for %s, deleting finished job", o.config.Job.DriverTimeout)
			o.scheduleDelete(jc)
		}
		return true
	})
}

// Shutdown force-terminates every job, deletes their limiter scopes and waits up to timeout for the
// job goroutines to finish. It returns false if they did not finish in time.
func (o *Orchestrator) Shutdown(timeout time.Duration) bool {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	var contexts []*JobContext
	o.contexts.Range(func(_, value interface{}) bool {
		contexts = append(contexts, value.(*JobContext))
		return true
	})
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].job.Id() < contexts[j].job.Id() })
	o.logger.Infof("Shutting down %d job(s)", len(contexts))

	for _, jc := range contexts {
		jc.force.Store(true)
		jc.requestStop()
	}
	o.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	util.ForEachBounded(ctx, o.config.Application.ShutdownParallelism, contexts, func(jc *JobContext) {
		select {
		case <-jc.finished:
		case <-ctx.Done():
			return
		}
		o.terminate(jc, false)
		o.deleteScope(jc)
		jc.Dispose(o.config.Job.GracefulStopTimeout)
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		o.logger.Warnf("Jobs did not finish within %s", timeout)
		return false
	}
}

func (o *Orchestrator) jobContext(id int) (*JobContext, error) {
	value, ok := o.contexts.Load(id)
	if !ok {
		return nil, notFound(id)
	}
	return value.(*JobContext), nil
}

func notFound(id int) error {
	return errors.WithStack(&benchmarkerrors.ErrNotFound{Type: "job", Value: strconv.Itoa(id)})
}
