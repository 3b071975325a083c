//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

func (p *Process) setupProcessGroup() {
	p.command.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Sending signals to process groups is not supported on Windows, so both the
// graceful and the forceful path go through taskkill.
func (p *Process) interruptProcessGroup() error {
	return exec.Command("CMD", "/C", "TASKKILL", "/T", "/PID", strconv.Itoa(p.pid)).Run()
}

func (p *Process) terminateProcessGroup() error {
	return exec.Command("CMD", "/C", "TASKKILL", "/F", "/T", "/PID", strconv.Itoa(p.pid)).Run()
}
