// Package procutil manages process groups so that terminating a test
// resource also terminates anything it spawned.
package procutil

import (
	"os/exec"
	"syscall"
)

// SetOptNewProcessGroup configures the command to start in its own process group.
func SetOptNewProcessGroup(attrs *syscall.SysProcAttr) {
	setOptNewProcessGroup(attrs)
}

// KillProcessGroup kills the command and every process in its group.
//
// Safe to call on a command that never started.
func KillProcessGroup(cmd *exec.Cmd) {
	killProcessGroup(cmd)
}

// InterruptProcessGroup asks the command's process group to shut down.
//
// On platforms without a graceful signal this is a kill.
func InterruptProcessGroup(cmd *exec.Cmd) error {
	return interruptProcessGroup(cmd)
}
