// Package process starts, streams, bounds and tears down the external processes an agent runs:
// git and build tools, the benchmarked application and diagnostics tooling.
package process

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

const (
	maxLineLength = 1024 * 1024
	// How long output is still read once the process has exited
	outputWaitDelay = time.Second
	killWaitTimeout = 10 * time.Second
)

type RunOptions struct {
	// Zero means no timeout
	Timeout          time.Duration
	WorkingDirectory string
	// Return ErrProcessFailed on a non-zero exit or a timeout
	ThrowOnError  bool
	Env           map[string]string
	OnOutput      func(line string)
	OnError       func(line string)
	OnStart       func(pid int)
	OnStop        func(exitCode int)
	CaptureOutput bool
	CaptureError  bool
	// Run through sudo when the agent is not already root. Ignored on Windows.
	RunAsRoot bool
}

type Result struct {
	ExitCode       int
	TimedOut       bool
	StandardOutput string
	StandardError  string
}

// Runner is the capability the orchestrator and the limiters use to run processes.
type Runner interface {
	Run(ctx context.Context, filename string, args []string, opts RunOptions) (*Result, error)
	StreamOutput(filename string, args []string, onOutput func(string), onError func(string), workingDirectory string, env map[string]string) (*Process, error)
}

type OsRunner struct {
	logger *log.Entry
}

func NewOsRunner(logger *log.Entry) *OsRunner {
	return &OsRunner{logger: logger}
}

// Run starts filename and waits for it to exit, for opts.Timeout to elapse or for ctx to be done.
// On timeout or cancellation the whole process tree is killed.
func (r *OsRunner) Run(ctx context.Context, filename string, args []string, opts RunOptions) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &benchmarkerrors.ErrCanceled{Operation: filename, Cause: err}
	}

	var stdout, stderr capture
	onOutput := func(line string) {
		if opts.CaptureOutput {
			stdout.add(line)
		}
		if opts.OnOutput != nil {
			opts.OnOutput(line)
		}
	}
	onError := func(line string) {
		if opts.CaptureError || opts.ThrowOnError {
			stderr.add(line)
		}
		if opts.OnError != nil {
			opts.OnError(line)
		}
	}

	name, fullArgs := Elevate(filename, args, opts.RunAsRoot)
	r.logger.Debugf("Running %s %s", name, strings.Join(fullArgs, " "))
	p, err := start(name, fullArgs, onOutput, onError, opts.WorkingDirectory, opts.Env)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _, exited := p.ExitCode(); exited {
			p.Release()
		} else {
			go p.Release()
		}
	}()
	if opts.OnStart != nil {
		opts.OnStart(p.Pid())
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	result := &Result{}
	var cancelled error
	select {
	case <-p.Done():
	case <-timeout:
		result.TimedOut = true
		r.logger.Warnf("%s did not exit within %s, killing it", filename, opts.Timeout)
		r.kill(p)
	case <-ctx.Done():
		cancelled = ctx.Err()
		r.logger.Infof("%s cancelled, killing it", filename)
		r.kill(p)
	}

	result.ExitCode, _ = p.ExitCode()
	result.StandardOutput = stdout.String()
	result.StandardError = stderr.String()
	if opts.OnStop != nil {
		opts.OnStop(result.ExitCode)
	}

	switch {
	case cancelled != nil:
		return result, &benchmarkerrors.ErrCanceled{Operation: filename, Cause: cancelled}
	case result.TimedOut && opts.ThrowOnError:
		return result, &benchmarkerrors.ErrProcessFailed{Filename: filename, TimedOut: true}
	case result.ExitCode != 0 && opts.ThrowOnError:
		return result, &benchmarkerrors.ErrProcessFailed{
			Filename: filename,
			ExitCode: result.ExitCode,
			Stderr:   lastLines(result.StandardError, 20),
		}
	}
	return result, nil
}

func (r *OsRunner) kill(p *Process) {
	if err := p.Terminate(false); err != nil {
		r.logger.WithError(err).Warnf("Failed to kill process %d", p.Pid())
	}
	select {
	case <-p.Done():
	case <-time.After(killWaitTimeout):
		r.logger.Warnf("Process %d still running %s after being killed", p.Pid(), killWaitTimeout)
	}
}

// StreamOutput starts filename and returns as soon as it is running.
func (r *OsRunner) StreamOutput(filename string, args []string, onOutput func(string), onError func(string), workingDirectory string, env map[string]string) (*Process, error) {
	r.logger.Debugf("Starting %s %s", filename, strings.Join(args, " "))
	return start(filename, args, onOutput, onError, workingDirectory, env)
}

// Elevate prefixes the command line with sudo when runAsRoot is set and the agent is not already root.
func Elevate(filename string, args []string, runAsRoot bool) (string, []string) {
	if !runAsRoot || runtime.GOOS == "windows" || os.Geteuid() == 0 {
		return filename, args
	}
	return "sudo", append([]string{"-E", "-n", filename}, args...)
}

func start(filename string, args []string, onOutput func(string), onError func(string), workingDirectory string, env map[string]string) (*Process, error) {
	cmd := exec.Command(filename, args...)
	cmd.Dir = workingDirectory
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)
	stdout := NewLineWriter(onOutput)
	stderr := NewLineWriter(onError)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// A descendant that left the process group can hold the pipes open after the process exited.
	cmd.WaitDelay = outputWaitDelay

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", filename)
	}

	p := newProcess(cmd)
	go func() {
		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		p.exited(exitCodeOf(cmd, err))
	}()
	return p, nil
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

type capture struct {
	mu      sync.Mutex
	builder strings.Builder
}

func (c *capture) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.builder.Len() > 0 {
		c.builder.WriteString("\n")
	}
	c.builder.WriteString(line)
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builder.String()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
