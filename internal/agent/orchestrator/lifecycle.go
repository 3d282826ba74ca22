package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/crankbench/crank/internal/agent/diagnostics"
	"github.com/crankbench/crank/internal/agent/docker"
	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/limiter"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/jobstats"
)

const (
	cleanupTimeout = time.Minute
	failureTail    = 10
)

var errNotSupported = errors.New("job is not supported by this agent")

// run drives a job from New to Stopped, Failed or NotSupported.
func (o *Orchestrator) run(jc *JobContext) {
	defer o.wg.Done()
	defer close(jc.finished)

	err := o.launch(jc)
	if err == nil {
		err = o.monitor(jc)
	}
	switch {
	case errors.Is(err, errNotSupported):
	case err != nil && !(jc.stopRequested() && isCancellation(err)):
		o.fail(jc, err)
	default:
		o.stop(jc)
	}

	if jc.selfDelete.Load() {
		o.scheduleDelete(jc)
	}
}

func (o *Orchestrator) launch(jc *JobContext) error {
	def := jc.job.Definition()
	if err := o.transition(jc, job.Initializing); err != nil {
		return err
	}
	if reason := o.unsupported(&def); reason != "" {
		jc.job.AppendError(reason)
		if err := o.transition(jc, job.NotSupported); err != nil {
			return err
		}
		jc.logger.Warn(reason)
		return errNotSupported
	}
	if err := o.initialize(jc, &def); err != nil {
		return err
	}
	if err := o.advance(jc, job.Building); err != nil {
		return err
	}
	if err := o.build(jc, &def); err != nil {
		return err
	}
	if err := o.advance(jc, job.Starting); err != nil {
		return err
	}
	if err := o.start(jc, &def); err != nil {
		return err
	}
	if err := o.awaitReady(jc, &def); err != nil {
		return err
	}
	if err := o.advance(jc, job.Running); err != nil {
		return err
	}
	now := o.deps.Clock.Now()
	jc.mu.Lock()
	jc.startedAt = now
	jc.mu.Unlock()
	jc.job.Update(func(info *job.Info) {
		info.StartMonitorTime = now
	})
	return nil
}

func (o *Orchestrator) unsupported(def *job.Definition) string {
	if def.IsContainerized() {
		if o.deps.Launcher == nil {
			return "containerized jobs are not supported by this agent"
		}
		return ""
	}
	if def.HasLimits() && o.deps.Limiter.Version() == limiter.None {
		return "resource limits were requested but no limiting mechanism is available on this agent"
	}
	return ""
}

// initialize creates the working directory of the job and places its sources in it.
func (o *Orchestrator) initialize(jc *JobContext, def *job.Definition) error {
	dir := filepath.Join(o.config.Application.WorkDirectory, fmt.Sprintf("crank-%d-%d", o.agentPid, jc.job.Id()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	jc.mu.Lock()
	jc.workingDirectory = dir
	jc.mu.Unlock()
	jc.job.Update(func(info *job.Info) {
		info.WorkingDirectory = dir
	})

	if len(def.Sources) == 0 {
		return nil
	}
	var mu sync.Mutex
	directories := make(map[string]string, len(def.Sources))
	g, ctx := errgroup.WithContext(jc.ctx)
	for name, src := range def.Sources {
		name, src := name, src
		g.Go(func() error {
			path, err := o.deps.Sources.Acquire(ctx, name, src, dir)
			if err != nil {
				return err
			}
			mu.Lock()
			directories[name] = path
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	jc.job.Update(func(info *job.Info) {
		info.SourceDirectories = directories
	})
	return nil
}

func (o *Orchestrator) build(jc *JobContext, def *job.Definition) error {
	if def.BuildCommand == "" {
		return nil
	}
	timeout := def.BuildTimeout
	if timeout == 0 {
		timeout = o.config.Job.DefaultBuildTimeout
	}
	jc.logger.Infof("Building with %s", def.BuildCommand)
	_, err := o.deps.Runner.Run(jc.ctx, def.BuildCommand, def.BuildArguments, process.RunOptions{
		Timeout:          timeout,
		WorkingDirectory: o.executionDirectory(jc, def),
		ThrowOnError:     true,
		Env:              def.Environment,
		OnOutput:         jc.job.AppendOutput,
		OnError:          jc.job.AppendOutput,
		RunAsRoot:        def.RunAsRoot,
	})
	return errors.WithMessage(err, "build failed")
}

func (o *Orchestrator) start(jc *JobContext, def *job.Definition) error {
	j := jc.job
	onOutput := func(line string) {
		jc.feedOutput(line, def.ReadyStateText)
	}

	if def.IsContainerized() {
		c, err := o.deps.Launcher.Launch(jc.ctx, docker.ContainerName(o.agentPid, j.Id()), def, onOutput)
		if err != nil {
			return err
		}
		jc.setContainer(c)
		j.Update(func(info *job.Info) {
			info.ContainerId = c.Id()
		})
		j.AddMetadata(hostMetadata("Docker")...)
		return nil
	}

	prefix := limiter.Prefix{}
	if def.HasLimits() {
		jc.scoped.Store(true)
		var err error
		prefix, err = o.deps.Limiter.Create(jc.ctx, j)
		if err != nil {
			return errors.WithMessage(err, "creating the resource limit scope")
		}
		if err := o.deps.Limiter.Set(jc.ctx, j); err != nil {
			return errors.WithMessage(err, "applying resource limits")
		}
	}

	executable, args := prefix.Wrap(def.Executable, def.Arguments)
	executable, args = process.Elevate(executable, args, def.RunAsRoot)
	jc.logger.Infof("Starting %s %s", executable, strings.Join(args, " "))
	p, err := o.deps.Runner.StreamOutput(executable, args, onOutput, j.AppendOutput, o.executionDirectory(jc, def), def.Environment)
	if err != nil {
		return err
	}
	jc.setProcess(p)
	j.Update(func(info *job.Info) {
		info.ProcessId = p.Pid()
	})
	j.AddMetadata(hostMetadata("Host Process")...)

	if def.HasLimits() {
		if err := o.deps.Limiter.AttachProcess(jc.ctx, j, p.Pid()); err != nil {
			return errors.WithMessagef(err, "attaching process %d to its resource limit scope", p.Pid())
		}
	}
	o.startDiagnostics(jc, def, p.Pid())
	return nil
}

func (o *Orchestrator) startDiagnostics(jc *JobContext, def *job.Definition, pid int) {
	if !def.CollectCounters {
		return
	}
	if o.deps.Counters == nil {
		jc.job.AppendError("counters are not available on this agent")
		return
	}
	interval := def.CountersInterval
	if interval == 0 {
		interval = o.config.Job.MonitorInterval
	}
	prefix := o.config.Diagnostics.CounterPrefix
	session := diagnostics.NewSession(pid, prefix, interval, o.deps.Counters, func(measurements []jobstats.Measurement) {
		jc.job.AddSamples(measurements...)
	}, o.deps.Clock, jc.logger)
	jc.job.AddMetadata(diagnostics.Metadata(prefix)...)
	jc.mu.Lock()
	jc.session = session
	jc.mu.Unlock()
	jc.job.Update(func(info *job.Info) {
		info.EventPipeSessionId = session.Id()
	})
	session.Start()
}

// awaitReady blocks until the job prints its ready state text, if it has one.
func (o *Orchestrator) awaitReady(jc *JobContext, def *job.Definition) error {
	if def.ReadyStateText == "" {
		return nil
	}
	timeout := def.StartTimeout
	if timeout == 0 {
		timeout = o.config.Job.DefaultStartTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-jc.ready:
		return nil
	case <-jc.exited():
		select {
		case <-jc.ready:
			return nil
		default:
		}
		code, _ := jc.exitCode()
		return errors.Errorf("process exited with code %d before printing %q\n%s", code, def.ReadyStateText, tail(jc.job.Output(), failureTail))
	case <-timer.C:
		return &benchmarkerrors.ErrTimeout{Operation: fmt.Sprintf("waiting for %q", def.ReadyStateText), After: timeout}
	case <-jc.ctx.Done():
		return &benchmarkerrors.ErrCanceled{Operation: "start", Cause: jc.ctx.Err()}
	}
}

// stop moves a job that has not finished to Stopped, terminating whatever it runs.
func (o *Orchestrator) stop(jc *JobContext) {
	j := jc.job
	if j.State().IsFinished() {
		return
	}
	if err := o.transition(jc, job.Stopping); err != nil {
		jc.logger.WithError(err).Error("Could not stop job")
		return
	}
	o.stopDiagnostics(jc)
	o.collectDump(jc)
	o.terminate(jc, !jc.force.Load())
	if code, ok := jc.exitCode(); ok {
		j.Update(func(info *job.Info) {
			info.ExitCode = &code
		})
	}
	if err := o.transition(jc, job.Stopped); err != nil {
		jc.logger.WithError(err).Error("Could not mark job as stopped")
	}
}

// fail records err on the job unless the limiter already has, moves it to Failed and releases what it holds apart from its files.
func (o *Orchestrator) fail(jc *JobContext, err error) {
	j := jc.job
	from := j.State()
	msg := err.Error()
	var limitErr *benchmarkerrors.ErrResourceLimit
	if errors.As(err, &limitErr) {
		msg = ""
	}
	if j.Fail(msg) {
		jc.logger.WithError(err).Errorf("Job failed while %s", from)
		o.deps.Observer.StateChanged(j.Service(), from, job.Failed)
	}
	o.stopDiagnostics(jc)
	o.terminate(jc, false)
	if code, ok := jc.exitCode(); ok {
		j.Update(func(info *job.Info) {
			info.ExitCode = &code
		})
	}
	o.deleteScope(jc)
}

func (o *Orchestrator) delete(jc *JobContext) {
	<-jc.finished
	j := jc.job
	def := j.Definition()

	deleting := j.State() == job.Stopped
	if deleting {
		if err := o.transition(jc, job.Deleting); err != nil {
			jc.logger.WithError(err).Warn("Could not mark job as deleting")
			deleting = false
		}
	}

	o.deleteScope(jc)
	if c := jc.Container(); c != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if err := c.Remove(ctx); err != nil {
			jc.logger.WithError(err).Warnf("Could not remove container %s", c.Id())
		}
		cancel()
	}
	jc.mu.Lock()
	dir := jc.workingDirectory
	jc.mu.Unlock()
	if dir != "" && !def.NoClean {
		if err := os.RemoveAll(dir); err != nil {
			jc.logger.WithError(err).Warnf("Could not remove working directory %s", dir)
		}
	}
	jc.Dispose(o.config.Job.GracefulStopTimeout)

	if deleting {
		if err := o.transition(jc, job.Deleted); err != nil {
			jc.logger.WithError(err).Warn("Could not mark job as deleted")
		}
	}
	o.deps.Repository.Remove(j.Id())
	o.contexts.Delete(j.Id())
	jc.logger.Info("Job deleted")
}

// terminate ends the process or container of the job. A graceful stop is forced after the
// graceful stop timeout.
func (o *Orchestrator) terminate(jc *JobContext, graceful bool) {
	wait := o.config.Job.GracefulStopTimeout
	if p := jc.Process(); p != nil {
		if graceful {
			if err := p.Terminate(true); err != nil {
				jc.logger.WithError(err).Warnf("Could not stop process %d", p.Pid())
			}
			if waitFor(p.Done(), wait) {
				return
			}
			jc.logger.Warnf("Process %d did not stop within %s, killing it", p.Pid(), wait)
		}
		if err := p.Terminate(false); err != nil {
			jc.logger.WithError(err).Warnf("Could not kill process %d", p.Pid())
		}
		if !waitFor(p.Done(), wait) {
			jc.logger.Errorf("Process %d is still running after being killed", p.Pid())
		}
	}
	if c := jc.Container(); c != nil {
		timeout := wait
		if !graceful {
			timeout = 0
		}
		ctx, cancel := context.WithTimeout(context.Background(), wait+cleanupTimeout)
		defer cancel()
		if err := c.Stop(ctx, timeout); err != nil {
			jc.logger.WithError(err).Warnf("Could not stop container %s", c.Id())
		}
		if !waitFor(c.Done(), wait) {
			jc.logger.Errorf("Container %s is still running", c.Id())
		}
	}
}

func (o *Orchestrator) stopDiagnostics(jc *JobContext) {
	session := jc.diagnosticsSession()
	if session == nil {
		return
	}
	if session.Stop() {
		jc.job.Update(func(info *job.Info) {
			info.CountersCompleted = true
		})
	}
}

func (o *Orchestrator) collectDump(jc *JobContext) {
	def := jc.job.Definition()
	if def.DumpType == "" || def.DumpType == job.NoDump {
		return
	}
	p := jc.Process()
	if p == nil {
		return
	}
	if _, exited := p.ExitCode(); exited {
		jc.job.AppendError("the process exited before a dump could be collected")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.config.Diagnostics.DumpTimeout)
	defer cancel()
	path, err := o.deps.Dumps.Collect(ctx, p.Pid(), def.DumpType, def.DumpOutput)
	if err != nil {
		jc.job.AppendError(fmt.Sprintf("dump collection failed: %s", err))
		return
	}
	jc.logger.Infof("Dump written to %s", path)
}

func (o *Orchestrator) deleteScope(jc *JobContext) {
	jc.scopeOnce.Do(func() {
		if !jc.scoped.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		o.deps.Limiter.Delete(ctx, jc.job)
	})
}

// advance moves the job to state to unless a stop was requested.
func (o *Orchestrator) advance(jc *JobContext, to job.State) error {
	if err := jc.ctx.Err(); err != nil {
		return &benchmarkerrors.ErrCanceled{Operation: "moving to " + string(to), Cause: err}
	}
	return o.transition(jc, to)
}

func (o *Orchestrator) transition(jc *JobContext, to job.State) error {
	from := jc.job.State()
	if err := jc.job.TransitionTo(to); err != nil {
		return err
	}
	jc.logger.Infof("%s -> %s", from, to)
	o.deps.Observer.StateChanged(jc.job.Service(), from, to)
	return nil
}

func (o *Orchestrator) executionDirectory(jc *JobContext, def *job.Definition) string {
	jc.mu.Lock()
	dir := jc.workingDirectory
	jc.mu.Unlock()
	switch {
	case def.WorkingDirectory == "":
		return dir
	case filepath.IsAbs(def.WorkingDirectory):
		return def.WorkingDirectory
	default:
		return filepath.Join(dir, def.WorkingDirectory)
	}
}

func isCancellation(err error) bool {
	var canceled *benchmarkerrors.ErrCanceled
	return errors.As(err, &canceled) || errors.Is(err, context.Canceled)
}

func waitFor(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func tail(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
