// Package fake provides a process.Runner that records commands instead of executing them.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/crankbench/crank/internal/agent/process"
)

type Call struct {
	Filename string
	Args     []string
	Options  process.RunOptions
}

// CommandLine returns the call as a single space separated string.
func (c Call) CommandLine() string {
	return strings.TrimSpace(c.Filename + " " + strings.Join(c.Args, " "))
}

// Runner records every Run call. Handler, when set, decides the outcome of each call.
type Runner struct {
	mu      sync.Mutex
	calls   []Call
	Handler func(call Call) (*process.Result, error)
}

func NewRunner() *Runner {
	return &Runner{}
}

func (r *Runner) Run(ctx context.Context, filename string, args []string, opts process.RunOptions) (*process.Result, error) {
	call := Call{Filename: filename, Args: append([]string{}, args...), Options: opts}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	handler := r.Handler
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return &process.Result{}, nil
	}
	result, err := handler(call)
	if result == nil {
		result = &process.Result{}
	}
	if opts.OnOutput != nil {
		for _, line := range strings.Split(result.StandardOutput, "\n") {
			if line != "" {
				opts.OnOutput(line)
			}
		}
	}
	return result, err
}

func (r *Runner) StreamOutput(filename string, args []string, _ func(string), _ func(string), _ string, _ map[string]string) (*process.Process, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Filename: filename, Args: append([]string{}, args...)})
	r.mu.Unlock()
	return nil, errors.New("the fake runner cannot stream processes")
}

func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call{}, r.calls...)
}

// CommandLines returns every recorded call as a command line.
func (r *Runner) CommandLines() []string {
	var lines []string
	for _, c := range r.Calls() {
		lines = append(lines, c.CommandLine())
	}
	return lines
}

// FailWhen makes calls whose command line contains fragment return err.
func (r *Runner) FailWhen(fragment string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.Handler
	r.Handler = func(call Call) (*process.Result, error) {
		if strings.Contains(call.CommandLine(), fragment) {
			return &process.Result{ExitCode: 1}, err
		}
		if previous != nil {
			return previous(call)
		}
		return &process.Result{}, nil
	}
}
