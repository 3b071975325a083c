package process

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shellgate/shellgate/logger"
)

// EntryInfo is a point-in-time view of one supervised process.
type EntryInfo struct {
	ID        string    `json:"id"`
	Pid       int       `json:"pid"`
	Command   string    `json:"command"`
	Args      []string  `json:"args"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	info EntryInfo
	proc *Process
}

// Supervisor owns the table of running children and enforces the global
// concurrency cap. All mutations of the table go through its mutex.
type Supervisor struct {
	logger        logger.Logger
	maxConcurrent int

	mu      sync.Mutex
	entries map[string]*entry
	byPid   map[int]string
}

func NewSupervisor(l logger.Logger, maxConcurrent int) *Supervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Supervisor{
		logger:        l,
		maxConcurrent: maxConcurrent,
		entries:       make(map[string]*entry),
		byPid:         make(map[int]string),
	}
}

// Run spawns a child under supervision and blocks until it finishes. The id
// identifies the process in the table (a fresh one is allocated when empty);
// it can be used with Kill while the process runs.
//
// Spawn failures are returned as *SpawnError; hitting the concurrency cap
// returns *CapacityError without spawning.
func (s *Supervisor) Run(ctx context.Context, id string, conf Config) (*Result, error) {
	if id == "" {
		id = uuid.NewString()
	}

	p := New(s.logger, conf)

	s.mu.Lock()
	if len(s.entries) >= s.maxConcurrent {
		active := len(s.entries)
		s.mu.Unlock()
		return nil, &CapacityError{Active: active, Max: s.maxConcurrent}
	}
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("process %q is already supervised", id)
	}
	s.entries[id] = &entry{
		info: EntryInfo{ID: id, Command: conf.Path, Args: conf.Args, StartedAt: time.Now()},
		proc: p,
	}
	s.mu.Unlock()

	defer s.remove(id)

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Run(ctx)
	}()

	select {
	case err := <-errCh:
		// Run returns this early either on a spawn failure, or because the
		// child started and exited before Started was observed. Only the
		// former is an error.
		if err != nil {
			return nil, ClassifySpawnError(err)
		}
		return p.Result(), nil
	case <-p.Started():
	}

	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.info.Pid = p.Pid()
		s.byPid[p.Pid()] = id
	}
	s.mu.Unlock()

	if err := <-errCh; err != nil {
		return nil, ClassifySpawnError(err)
	}
	return p.Result(), nil
}

func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		delete(s.byPid, e.info.Pid)
		delete(s.entries, id)
	}
}

// lookup finds a supervised process by internal id, or by OS pid when the
// identifier parses as a number.
func (s *Supervisor) lookup(identifier string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[identifier]; ok {
		return e, true
	}
	if pid, err := strconv.Atoi(identifier); err == nil {
		if id, ok := s.byPid[pid]; ok {
			return s.entries[id], true
		}
	}
	return nil, false
}

// Kill signals a supervised process. SIGKILL terminates the whole process
// group; any other signal goes to the child itself.
func (s *Supervisor) Kill(identifier string, sig syscall.Signal) error {
	e, ok := s.lookup(identifier)
	if !ok {
		return fmt.Errorf("no supervised process matches %q", identifier)
	}
	if sig == 0 {
		sig = syscall.SIGTERM
	}

	s.logger.Info("[Supervisor] Sending %s to process %s (PID %d)", SignalString(sig), e.info.ID, e.info.Pid)
	switch sig {
	case syscall.SIGKILL:
		return e.proc.Terminate()
	case syscall.SIGTERM:
		return e.proc.Interrupt()
	default:
		return e.proc.Signal(sig)
	}
}

// Active returns the number of currently supervised processes.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// MaxConcurrent returns the configured concurrency cap.
func (s *Supervisor) MaxConcurrent() int {
	return s.maxConcurrent
}

// Entries returns a snapshot of the process table, useful for status queries.
func (s *Supervisor) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.info)
	}
	return out
}

// Contains reports whether the identifier matches a supervised process.
func (s *Supervisor) Contains(identifier string) bool {
	_, ok := s.lookup(identifier)
	return ok
}

// Shutdown waits up to timeout for all children to exit naturally, then
// force-kills the remainder. It returns once the table is empty.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.Active() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	s.mu.Lock()
	leftover := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		leftover = append(leftover, e)
	}
	s.mu.Unlock()

	for _, e := range leftover {
		s.logger.Warn("[Supervisor] Force-killing process %s (PID %d) at shutdown", e.info.ID, e.info.Pid)
		if err := e.proc.Terminate(); err != nil {
			s.logger.Error("[Supervisor] Failed to kill PID %d: %v", e.info.Pid, err)
		}
	}

	for s.Active() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
}
