package process

import (
	"fmt"
	"syscall"
)

var signalNames = map[syscall.Signal]string{
	syscall.Signal(1):  "SIGHUP",
	syscall.Signal(2):  "SIGINT",
	syscall.Signal(3):  "SIGQUIT",
	syscall.Signal(6):  "SIGABRT",
	syscall.Signal(9):  "SIGKILL",
	syscall.Signal(14): "SIGALRM",
	syscall.Signal(15): "SIGTERM",
}

// SignalString returns the conventional name for a signal number.
func SignalString(s syscall.Signal) string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return fmt.Sprintf("%d", int(s))
}

// ParseSignal converts a signal name (SIGTERM, SIGKILL, ...) to its number.
func ParseSignal(name string) (syscall.Signal, error) {
	for sig, n := range signalNames {
		if n == name {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}
