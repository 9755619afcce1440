package main

import (
	"os/exec"
	"syscall"
)

// setDetached places the session process in its own process group so
// killProcessGroup can terminate it and any children it forks (a shell
// wrapper, a language runtime) with one signal.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
