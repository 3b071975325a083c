//go:build !windows

package process

import "syscall"

// Children are started in their own process group so that an entire pipeline
// can be signalled at once, including any grandchildren it spawned.
func (p *Process) setupProcessGroup() {
	p.command.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

func (p *Process) interruptProcessGroup() error {
	p.logger.Debug("[Process] Sending signal %s to PGID: %d", SignalString(p.conf.InterruptSignal), p.pid)
	return syscall.Kill(-p.pid, p.conf.InterruptSignal)
}

func (p *Process) terminateProcessGroup() error {
	p.logger.Debug("[Process] Sending signal SIGKILL to PGID: %d", p.pid)
	return syscall.Kill(-p.pid, syscall.SIGKILL)
}
