//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// Terminate ends the process tree rooted at pid with taskkill. Graceful asks the processes to close,
// otherwise they are killed.
func Terminate(pid int, graceful bool) error {
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if !graceful {
		args = append(args, "/F")
	}
	output, err := exec.Command("taskkill", args...).CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 128 {
			// Process not found
			return nil
		}
		return errors.Wrapf(err, "taskkill %d: %s", pid, output)
	}
	return nil
}
