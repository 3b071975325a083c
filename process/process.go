// Package process supervises child processes: it spawns them with pipes for
// stdout and stderr, enforces timeouts with graceful-then-forceful
// termination, and reports structured results.
package process

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shellgate/shellgate/logger"
)

// Stream identifies which output pipe a chunk arrived on.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

const (
	// DefaultGracePeriod is how long a process gets between the interrupt
	// signal and the forceful kill.
	DefaultGracePeriod = 5 * time.Second

	readChunkSize = 32 * 1024
)

// Config is the configuration for a Process.
type Config struct {
	Path            string        // executable; resolved with exec.LookPath before spawning
	Args            []string      // arguments, not including the executable itself
	Dir             string        // working directory
	Env             []string      // child environment in KEY=VALUE form
	Timeout         time.Duration // 0 means no timeout
	GracePeriod     time.Duration // interrupt-to-kill gap; DefaultGracePeriod if 0
	InterruptSignal syscall.Signal

	// Handler, if set, is called with each chunk of output as it arrives.
	// Chunks are delivered in arrival order per stream. When Handler is nil
	// output is collected into in-memory buffers instead.
	Handler func(chunk []byte, stream Stream)

	Stdin io.Reader
}

// Result describes a finished process.
type Result struct {
	ExitCode      int
	Stdout        []byte
	Stderr        []byte
	ExecutionTime time.Duration
	TimedOut      bool
	Killed        bool
	Pid           int
}

// Process is a child process under supervision. Create one with New and run
// it with Run; a Process cannot be reused.
type Process struct {
	logger logger.Logger
	conf   Config

	command *exec.Cmd
	pid     int

	stdoutBuf Buffer
	stderrBuf Buffer

	mu            sync.Mutex
	started, done chan struct{}
	interrupted   bool
	timedOut      bool
	result        *Result
}

func New(l logger.Logger, c Config) *Process {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.InterruptSignal == 0 {
		c.InterruptSignal = syscall.SIGTERM
	}
	return &Process{
		logger:  l,
		conf:    c,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run executes the command and blocks until it finishes or the context is
// cancelled. The returned error is non-nil only if the process could not be
// spawned; a non-zero exit is reported through Result, not the error.
func (p *Process) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.command != nil {
		p.mu.Unlock()
		return errors.New("process is already running")
	}

	absPath, err := exec.LookPath(p.conf.Path)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	cmd := exec.Command(absPath, p.conf.Args...)
	cmd.Dir = p.conf.Dir
	cmd.Env = p.conf.Env
	cmd.Stdin = p.conf.Stdin
	p.command = cmd
	p.mu.Unlock()

	p.setupProcessGroup()

	// Both pipes must exist before the child starts so no output can be
	// produced without a reader attached.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.mu.Unlock()
	close(p.started)

	p.logger.Debug("[Process] Process %s is running with PID: %d", p.conf.Path, p.pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(stdout, Stdout, &p.stdoutBuf, &readers)
	go p.pump(stderr, Stderr, &p.stderrBuf, &readers)

	// Timeout and cancellation watchdog.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go p.watchdog(ctx, watchdogDone)

	// Wait reaps the child after the pipe readers have drained.
	readers.Wait()
	waitErr := cmd.Wait()

	p.mu.Lock()
	res := &Result{
		ExecutionTime: time.Since(startedAt),
		TimedOut:      p.timedOut,
		Pid:           p.pid,
	}
	p.mu.Unlock()

	res.ExitCode, res.Killed = exitStatus(waitErr)
	if p.conf.Handler == nil {
		res.Stdout = p.stdoutBuf.ReadAndTruncate()
		res.Stderr = p.stderrBuf.ReadAndTruncate()
	}

	p.mu.Lock()
	p.result = res
	p.mu.Unlock()
	close(p.done)

	p.logger.Debug("[Process] Process with PID: %d finished with exit code %d (took %v)", p.pid, res.ExitCode, res.ExecutionTime)
	return nil
}

func (p *Process) pump(r io.Reader, stream Stream, buf *Buffer, wg *sync.WaitGroup) {
	defer wg.Done()
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if p.conf.Handler != nil {
				c := make([]byte, n)
				copy(c, chunk[:n])
				p.conf.Handler(c, stream)
			} else {
				buf.Write(chunk[:n])
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) watchdog(ctx context.Context, finished <-chan struct{}) {
	var timeout <-chan time.Time
	if p.conf.Timeout > 0 {
		t := time.NewTimer(p.conf.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-finished:
		return
	case <-timeout:
		p.mu.Lock()
		p.timedOut = true
		p.mu.Unlock()
		p.logger.Warn("[Process] Process with PID: %d hit its %v timeout, interrupting", p.Pid(), p.conf.Timeout)
	case <-ctx.Done():
		p.logger.Debug("[Process] Context cancelled, interrupting PID: %d", p.Pid())
	}

	if err := p.Interrupt(); err != nil {
		p.logger.Error("[Process] Failed to interrupt PID: %d: %v", p.Pid(), err)
	}

	select {
	case <-finished:
	case <-time.After(p.conf.GracePeriod):
		p.logger.Warn("[Process] Process with PID: %d didn't exit within the %v grace period, killing", p.Pid(), p.conf.GracePeriod)
		if err := p.Terminate(); err != nil {
			p.logger.Error("[Process] Failed to kill PID: %d: %v", p.Pid(), err)
		}
	}
}

// Pid returns the OS pid of the child, or 0 if it hasn't started.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Started returns a channel that is closed when the process is started.
func (p *Process) Started() <-chan struct{} {
	return p.started
}

// Done returns a channel that is closed when the process finishes.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Result returns the process result, or nil if it hasn't finished.
func (p *Process) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Interrupt sends the configured interrupt signal to the process group.
func (p *Process) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.command == nil || p.command.Process == nil {
		p.logger.Debug("[Process] No process to interrupt yet")
		return nil
	}
	p.interrupted = true
	return p.interruptProcessGroup()
}

// Terminate forcefully kills the process group.
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.command == nil || p.command.Process == nil {
		p.logger.Debug("[Process] No process to terminate yet")
		return nil
	}
	return p.terminateProcessGroup()
}

// Signal sends an arbitrary signal to the child itself.
func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.command == nil || p.command.Process == nil {
		return errors.New("process not started")
	}
	p.logger.Debug("[Process] Sending signal: %s to PID: %d", SignalString(sig), p.pid)
	return p.command.Process.Signal(sig)
}

// exitStatus extracts the exit code from cmd.Wait's error, and whether a
// signal terminated the child.
func exitStatus(waitErr error) (code int, killed bool) {
	if waitErr == nil {
		return 0, false
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return -1, false
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, true
	}
	return exitErr.ExitCode(), false
}
