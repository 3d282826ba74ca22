//go:build !windows

package process

import (
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Processes are started in their own group so the group can be signalled as a whole.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Terminate sends SIGTERM (graceful) or SIGKILL to the process group led by pid, falling back to
// the process alone when it does not lead a group.
func Terminate(pid int, graceful bool) error {
	signal := unix.SIGKILL
	if graceful {
		signal = unix.SIGTERM
	}
	err := unix.Kill(-pid, signal)
	if err == unix.ESRCH {
		err = unix.Kill(pid, signal)
	}
	if err == unix.ESRCH {
		return nil
	}
	return errors.Wrapf(err, "signalling process %d", pid)
}
