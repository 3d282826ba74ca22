package process

import (
	"os/exec"
	"sync"
)

// Process is a handle on a started process.
type Process struct {
	cmd         *exec.Cmd
	pid         int
	done        chan struct{}
	mu          sync.Mutex
	exitCode    int
	hasExited   bool
	releaseOnce sync.Once
}

func newProcess(cmd *exec.Cmd) *Process {
	return &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
}

func (p *Process) exited(exitCode int) {
	p.mu.Lock()
	p.exitCode = exitCode
	p.hasExited = true
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) Pid() int {
	return p.pid
}

// Done is closed once the process has exited and its output has been consumed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code and whether the process has exited. Processes killed by a signal
// report -1.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.hasExited
}

// Terminate stops the process and its children. Without graceful the tree is killed outright.
func (p *Process) Terminate(graceful bool) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return Terminate(p.pid, graceful)
}

// Release frees the OS resources of the handle. Only the first call has an effect.
func (p *Process) Release() {
	p.releaseOnce.Do(func() {
		<-p.done
		_ = p.cmd.Process.Release()
	})
}
