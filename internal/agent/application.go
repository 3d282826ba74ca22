package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/configuration"
	"github.com/crankbench/crank/internal/agent/diagnostics"
	"github.com/crankbench/crank/internal/agent/docker"
	"github.com/crankbench/crank/internal/agent/limiter"
	"github.com/crankbench/crank/internal/agent/metrics"
	"github.com/crankbench/crank/internal/agent/orchestrator"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/agent/repository"
	"github.com/crankbench/crank/internal/agent/server"
	"github.com/crankbench/crank/internal/agent/source"
	"github.com/crankbench/crank/internal/common/health"
	"github.com/crankbench/crank/internal/common/serve"
	"github.com/crankbench/crank/internal/common/task"
)

const taskStopTimeout = 2 * time.Second

// Agent owns everything a running agent needs: the orchestrator, its HTTP surface and the
// background tasks that sweep abandoned jobs and refresh metrics.
type Agent struct {
	config       configuration.AgentConfiguration
	orchestrator *orchestrator.Orchestrator
	server       *server.Server
	sources      *source.Acquirer
	engine       *docker.ApiEngine
	jobMetrics   *metrics.JobMetrics
	tasks        *task.BackgroundTaskManager
	startup      *health.StartupCompleteChecker
	logger       *log.Entry
}

// NewAgent wires an agent. A nil gatherer disables the /metrics endpoint.
func NewAgent(config configuration.AgentConfiguration, registerer prometheus.Registerer, gatherer prometheus.Gatherer, logger *log.Entry) (*Agent, error) {
	runner := process.NewOsRunner(logger)
	jobs := repository.NewInMemoryJobRepository()
	jobMetrics := metrics.NewJobMetrics(jobs, registerer)
	sources := source.NewAcquirer(config.Source, runner, logger)

	deps := orchestrator.Dependencies{
		Repository: jobs,
		Limiter:    limiter.New(config.Limiter, runner, logger),
		Runner:     runner,
		Sources:    sources,
		Dumps:      diagnostics.NewDumpCollector(config.Diagnostics.DumpCommand, config.Diagnostics.DumpTimeout, runner, logger),
		Observer:   jobMetrics,
	}

	var engine *docker.ApiEngine
	if config.Docker.Enabled {
		var err error
		engine, err = docker.NewApiEngine(config.Docker.Host)
		if err != nil {
			return nil, err
		}
		deps.Launcher = docker.NewLauncher(engine, config.Docker.PullImages, logger).
			WithShmSize(int64(config.Docker.ShmSize))
	}

	if counters, err := diagnostics.NewCounterReader(); err != nil {
		logger.Warnf("Process counters are not available: %v", err)
	} else {
		deps.Counters = counters
	}

	if !config.Metrics.Enabled {
		gatherer = nil
	}

	o := orchestrator.New(config, deps, logger)
	startup := health.NewStartupCompleteChecker()
	return &Agent{
		config:       config,
		orchestrator: o,
		server:       server.New(o, health.NewMultiChecker(startup), registerer, gatherer, logger),
		sources:      sources,
		engine:       engine,
		jobMetrics:   jobMetrics,
		tasks:        task.NewBackgroundTaskManager(metrics.MetricPrefix, registerer),
		startup:      startup,
		logger:       logger,
	}, nil
}

func (a *Agent) Handler() http.Handler {
	return a.server
}

// Start schedules the background tasks and marks the agent healthy.
func (a *Agent) Start() {
	a.tasks.Register(a.orchestrator.Sweep, a.config.Job.SweepInterval, "job_sweep")
	if a.config.Metrics.Enabled {
		a.tasks.Register(a.jobMetrics.UpdateMetrics, a.config.Metrics.RefreshInterval, "job_metrics")
	}
	a.startup.MarkComplete()
}

// Shutdown terminates every job and releases cached sources. It returns false if the jobs
// could not be torn down in time.
func (a *Agent) Shutdown() bool {
	if a.tasks.StopAll(taskStopTimeout) {
		a.logger.Warn("Background tasks did not stop in time")
	}
	clean := a.orchestrator.Shutdown(a.config.Application.ShutdownTimeout)
	a.sources.Evict()
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Warnf("Failed to close docker client: %v", err)
		}
	}
	if clean {
		a.logger.Info("Shutdown complete")
	} else {
		a.logger.Warn("Graceful shutdown timed out")
	}
	return clean
}

// StartUp runs an agent on config.Application.ListenAddress until ctx is cancelled, then shuts it down.
func StartUp(ctx context.Context, config configuration.AgentConfiguration, logger *log.Entry) error {
	a, err := NewAgent(config, prometheus.DefaultRegisterer, prometheus.DefaultGatherer, logger)
	if err != nil {
		return err
	}
	a.Start()
	httpServer := &http.Server{
		Addr:              config.Application.ListenAddress,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err = serve.ListenAndServe(ctx, httpServer, config.Application.MaxConnections, logger)
	a.Shutdown()
	return err
}
