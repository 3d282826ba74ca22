// Package coordinator drives the jobs of a scenario on remote agents through their lifecycle by
// polling the agents' HTTP surface.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/jobstats"
	"github.com/crankbench/crank/internal/common/logging"
	"github.com/crankbench/crank/internal/common/util"
	"github.com/crankbench/crank/internal/controller/configuration"
	"github.com/crankbench/crank/internal/controller/results"
	"github.com/crankbench/crank/internal/controller/scenario"
)

const errorLookupTimeout = 10 * time.Second

type AgentClient interface {
	Submit(ctx context.Context, def job.Definition) (string, error)
	GetState(ctx context.Context, jobUrl string) (job.State, error)
	GetJob(ctx context.Context, jobUrl string) (job.Info, error)
	Touch(ctx context.Context, jobUrl string) error
	Stop(ctx context.Context, jobUrl string) error
	Delete(ctx context.Context, jobUrl string) error
	GetMeasurements(ctx context.Context, jobUrl string) (jobstats.Statistics, error)
}

// ClientFactory returns the client of the agent at agentUrl.
type ClientFactory func(agentUrl string) AgentClient

type Coordinator struct {
	config  configuration.CoordinatorConfiguration
	clients ClientFactory
	logger  *log.Entry

	mu       sync.Mutex
	scenario *scenario.Scenario
	runId    string
	runs     []*jobRun
}

func New(config configuration.CoordinatorConfiguration, clients ClientFactory, logger *log.Entry) *Coordinator {
	return &Coordinator{
		config:  config,
		clients: clients,
		logger:  logger,
	}
}

// RunId identifies the jobs submitted by the latest Start on every agent.
func (c *Coordinator) RunId() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runId
}

// Run starts the scenario, waits for it to complete, stops it, collects its results and deletes
// its jobs. Whatever fails, every job started on an agent is stopped and deleted before Run returns.
func (c *Coordinator) Run(ctx context.Context, sc *scenario.Scenario) (*results.Report, error) {
	if err := c.Start(ctx, sc); err != nil {
		return nil, err
	}
	if err := c.WaitForIdle(ctx); err != nil {
		c.cleanup()
		return nil, err
	}
	if err := c.Stop(ctx); err != nil {
		c.cleanup()
		return nil, err
	}
	report, err := c.CollectResults(ctx)
	if err != nil {
		c.cleanup()
		return nil, err
	}
	if err := c.Delete(ctx); err != nil {
		c.logger.Warnf("Failed to delete every job: %v", err)
	}
	return report, nil
}

// Start submits the services in dependency order and waits for each one to be running. Services
// of one dependency level start concurrently. If any service fails to start, every job already
// submitted is stopped and deleted before the ErrServiceFailed is returned.
func (c *Coordinator) Start(ctx context.Context, sc *scenario.Scenario) error {
	levels, err := sc.Levels()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.scenario = sc
	c.runId = util.NewRunId()
	c.runs = nil
	c.mu.Unlock()

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, service := range level {
			for _, agentUrl := range service.Agents {
				service, agentUrl := service, agentUrl
				g.Go(func() error {
					return c.startJob(gctx, service, agentUrl)
				})
			}
		}
		if err := g.Wait(); err != nil {
			logging.WithStacktrace(c.logger, err).Error("Scenario failed to start, cleaning up")
			c.cleanup()
			return err
		}
	}
	c.logger.Infof("Scenario %s started", sc.Name)
	return nil
}

func (c *Coordinator) startJob(ctx context.Context, service scenario.Service, agentUrl string) error {
	runId := c.RunId()
	logger := logging.ForService(c.logger, service.Name).WithFields(log.Fields{"agent": agentUrl, logging.RunIdField: runId})
	client := c.clients(agentUrl)
	def := service.Job
	if def.Service == "" {
		def.Service = service.Name
	}
	if def.RunId == "" {
		def.RunId = runId
	}

	jobUrl, err := client.Submit(ctx, def)
	if err != nil {
		return &benchmarkerrors.ErrServiceFailed{Service: service.Name, LastState: string(job.New), Message: "could not submit the job", Cause: err}
	}
	run := &jobRun{service: service, agentUrl: agentUrl, client: client, jobUrl: jobUrl, state: job.New, logger: logger}
	c.mu.Lock()
	c.runs = append(c.runs, run)
	c.mu.Unlock()
	logger.Infof("Submitted job %s", jobUrl)

	return c.awaitRunning(ctx, run)
}

func (c *Coordinator) awaitRunning(ctx context.Context, run *jobRun) error {
	deadline := time.NewTimer(c.config.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		state, err := run.client.GetState(ctx, run.jobUrl)
		if err != nil {
			return c.serviceFailed(run, err)
		}
		run.setState(state)
		switch {
		case state == job.Running:
			run.logger.Info("Job is running")
			return nil
		case state == job.Stopped && run.service.Job.WaitForExit:
			run.logger.Info("Job has already exited")
			return nil
		case state.IsFinished():
			return c.serviceFailed(run, nil)
		}

		select {
		case <-ctx.Done():
			return &benchmarkerrors.ErrCanceled{Operation: "starting " + run.service.Name, Cause: ctx.Err()}
		case <-deadline.C:
			return c.serviceFailed(run, &benchmarkerrors.ErrTimeout{Operation: "starting " + run.service.Name, After: c.config.StartupTimeout})
		case <-ticker.C:
		}
	}
}

// WaitForIdle keeps the jobs alive while the scenario runs. It returns once every service that
// waits for its process to exit has stopped or, when there is no such service, once the scenario
// duration has elapsed. A running job that neither changes state nor produces a new measurement
// within IdleTimeout is reported as ErrJobDeadlock; each job is reported at most once. Running
// past ExecutionTimeout is an ErrTimeout.
func (c *Coordinator) WaitForIdle(ctx context.Context) error {
	sc, runs := c.snapshot()
	if sc == nil {
		return errors.New("no scenario has been started")
	}

	waitForExit := false
	for _, run := range runs {
		waitForExit = waitForExit || run.service.Job.WaitForExit
	}
	var elapsed <-chan time.Time
	if !waitForExit {
		if sc.Duration == 0 {
			return nil
		}
		timer := time.NewTimer(sc.Duration)
		defer timer.Stop()
		elapsed = timer.C
	}

	execution := time.NewTimer(c.config.ExecutionTimeout)
	defer execution.Stop()
	touch := time.NewTicker(c.config.TouchInterval)
	defer touch.Stop()
	poll := time.NewTicker(c.config.PollInterval)
	defer poll.Stop()

	now := time.Now()
	for _, run := range runs {
		run.resetProgress(now)
	}

	for {
		select {
		case <-ctx.Done():
			return &benchmarkerrors.ErrCanceled{Operation: "running " + sc.Name, Cause: ctx.Err()}
		case <-execution.C:
			return &benchmarkerrors.ErrTimeout{Operation: "running " + sc.Name, After: c.config.ExecutionTimeout}
		case <-elapsed:
			c.logger.Infof("Scenario %s ran for %s", sc.Name, sc.Duration)
			return nil
		case <-touch.C:
			if err := c.touchAll(ctx, runs); err != nil {
				return err
			}
		case <-poll.C:
			exited, err := c.pollAll(ctx, runs)
			if err != nil {
				return err
			}
			if waitForExit && exited {
				c.logger.Infof("Every job of scenario %s has exited", sc.Name)
				return nil
			}
		}
	}
}

func (c *Coordinator) touchAll(ctx context.Context, runs []*jobRun) error {
	for _, run := range runs {
		if err := run.client.Touch(ctx, run.jobUrl); err != nil {
			return c.serviceFailed(run, err)
		}
	}
	return nil
}

// pollAll reports whether every job waiting for its process to exit has stopped.
func (c *Coordinator) pollAll(ctx context.Context, runs []*jobRun) (bool, error) {
	exited := true
	for _, run := range runs {
		info, err := run.client.GetJob(ctx, run.jobUrl)
		if err != nil {
			return false, c.serviceFailed(run, err)
		}
		switch info.State {
		case job.Failed, job.NotSupported, job.Deleting, job.Deleted:
			run.setState(info.State)
			return false, &benchmarkerrors.ErrServiceFailed{Service: run.service.Name, LastState: string(info.State), Message: info.Error}
		}
		if run.service.Job.WaitForExit && info.State != job.Stopped {
			exited = false
		}
		if deadlock := run.observe(info, time.Now(), c.config.IdleTimeout); deadlock != nil {
			run.logger.Error(deadlock.Error())
			return false, deadlock
		}
	}
	return exited, nil
}

// Stop stops every job and waits for each one to be stopped. Failures do not prevent the other
// jobs from being stopped and are returned together.
func (c *Coordinator) Stop(ctx context.Context) error {
	_, runs := c.snapshot()
	return c.forEach(runs, "stop", func(run *jobRun) error {
		if err := run.client.Stop(ctx, run.jobUrl); err != nil {
			return err
		}
		return c.awaitStopped(ctx, run)
	})
}

func (c *Coordinator) awaitStopped(ctx context.Context, run *jobRun) error {
	deadline := time.NewTimer(c.config.StopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		state, err := run.client.GetState(ctx, run.jobUrl)
		if err != nil {
			return err
		}
		run.setState(state)
		if state.IsFinished() {
			return nil
		}
		select {
		case <-ctx.Done():
			return &benchmarkerrors.ErrCanceled{Operation: "stopping " + run.service.Name, Cause: ctx.Err()}
		case <-deadline.C:
			return &benchmarkerrors.ErrTimeout{Operation: "stopping " + run.service.Name, After: c.config.StopTimeout}
		case <-ticker.C:
		}
	}
}

// Delete deletes every job. Failures do not prevent the other jobs from being deleted and are
// returned together. The coordinator forgets every job afterwards.
func (c *Coordinator) Delete(ctx context.Context) error {
	_, runs := c.snapshot()
	err := c.forEach(runs, "delete", func(run *jobRun) error {
		return run.client.Delete(ctx, run.jobUrl)
	})
	c.mu.Lock()
	c.runs = nil
	c.mu.Unlock()
	return err
}

// CollectResults fetches the measurements of every job and folds them into a report. Every job
// must be stopped.
func (c *Coordinator) CollectResults(ctx context.Context) (*results.Report, error) {
	sc, runs := c.snapshot()
	if sc == nil {
		return nil, errors.New("no scenario has been started")
	}
	jobs := make([]results.JobResult, len(runs))
	g, gctx := errgroup.WithContext(ctx)
	for i, run := range runs {
		i, run := i, run
		g.Go(func() error {
			state, err := run.client.GetState(gctx, run.jobUrl)
			if err != nil {
				return c.serviceFailed(run, err)
			}
			run.setState(state)
			if state != job.Stopped {
				return &benchmarkerrors.ErrServiceFailed{Service: run.service.Name, LastState: string(state), Message: "results can only be collected from stopped jobs"}
			}
			stats, err := run.client.GetMeasurements(gctx, run.jobUrl)
			if err != nil {
				return c.serviceFailed(run, err)
			}
			jobs[i] = results.JobResult{
				Service:  run.service.Name,
				JobUrl:   run.jobUrl,
				Results:  results.Reduce(stats.Measurements, stats.Metadata),
				Metadata: stats.Metadata,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results.NewReport(sc.Name, jobs), nil
}

// cleanup stops and deletes every job on a fresh context, so that it also runs after the caller's
// context has been cancelled.
func (c *Coordinator) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.config.StopTimeout)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		c.logger.Warnf("Cleanup could not stop every job: %v", err)
	}
	if err := c.Delete(ctx); err != nil {
		c.logger.Warnf("Cleanup could not delete every job: %v", err)
	}
}

func (c *Coordinator) forEach(runs []*jobRun, operation string, action func(run *jobRun) error) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, run := range runs {
		run := run
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := action(run); err != nil {
				logging.WithStacktrace(run.logger, err).Warnf("Failed to %s job %s", operation, run.jobUrl)
				mu.Lock()
				result = multierror.Append(result, errors.WithMessagef(err, "%s %s", operation, run.service.Name))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// serviceFailed builds the error reported for run, including the error the agent recorded on the job.
func (c *Coordinator) serviceFailed(run *jobRun, cause error) error {
	err := &benchmarkerrors.ErrServiceFailed{Service: run.service.Name, LastState: string(run.getState()), Cause: cause}
	var unreachable *benchmarkerrors.ErrAgentUnreachable
	if errors.As(cause, &unreachable) {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), errorLookupTimeout)
	defer cancel()
	if info, lookupErr := run.client.GetJob(ctx, run.jobUrl); lookupErr == nil {
		err.Message = info.Error
		if info.State != "" {
			err.LastState = string(info.State)
		}
	}
	return err
}

func (c *Coordinator) snapshot() (*scenario.Scenario, []*jobRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runs := make([]*jobRun, len(c.runs))
	copy(runs, c.runs)
	return c.scenario, runs
}
