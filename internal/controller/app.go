package controller

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/controller/agentclient"
	"github.com/crankbench/crank/internal/controller/configuration"
	"github.com/crankbench/crank/internal/controller/coordinator"
	"github.com/crankbench/crank/internal/controller/results"
	"github.com/crankbench/crank/internal/controller/scenario"
)

// App runs scenarios against remote agents and writes their reports.
type App struct {
	config configuration.ControllerConfiguration
	// Out receives the report when no output file is configured, and a summary otherwise
	Out    io.Writer
	logger *log.Entry

	mu      sync.Mutex
	clients map[string]*agentclient.Client
}

func New(config configuration.ControllerConfiguration, logger *log.Entry) *App {
	return &App{
		config:  config,
		Out:     os.Stdout,
		logger:  logger,
		clients: map[string]*agentclient.Client{},
	}
}

// RunFile loads the scenario at path and runs it.
func (a *App) RunFile(ctx context.Context, path string) (*results.Report, error) {
	sc, err := scenario.Load(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading scenario %s", path)
	}
	return a.Run(ctx, sc)
}

func (a *App) Run(ctx context.Context, sc *scenario.Scenario) (*results.Report, error) {
	formatter, err := results.FormatterFor(a.config.Results.Format)
	if err != nil {
		return nil, err
	}
	a.logger.Infof("Running scenario %s with %d service(s)", sc.Name, len(sc.Services))
	report, err := coordinator.New(a.config.Coordinator, a.client, a.logger).Run(ctx, sc)
	if err != nil {
		return nil, err
	}
	if err := a.write(report, formatter); err != nil {
		return report, err
	}
	return report, nil
}

func (a *App) write(report *results.Report, formatter results.Formatter) error {
	if a.config.Results.Output == "" {
		return report.Write(a.Out, formatter)
	}
	f, err := os.Create(a.config.Results.Output)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	if err := report.Write(f, formatter); err != nil {
		return err
	}
	report.Print(a.Out)
	a.logger.Infof("Results written to %s", a.config.Results.Output)
	return nil
}

func (a *App) client(agentUrl string) coordinator.AgentClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[agentUrl]
	if !ok {
		c = agentclient.New(agentUrl, a.config.Agent, a.logger)
		a.clients[agentUrl] = c
	}
	return c
}
