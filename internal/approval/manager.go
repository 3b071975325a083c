package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shellgate/shellgate/logger"
)

const (
	// DefaultDecisionTimeout bounds how long a synchronous caller waits for
	// a human before giving up.
	DefaultDecisionTimeout = 5 * time.Minute

	// DefaultLinger keeps decided requests visible so every open approval
	// view sees the outcome before the card disappears.
	DefaultLinger = 10 * time.Second
)

// ErrApprovalTimeout is returned when no human decides within the window.
var ErrApprovalTimeout = errors.New("APPROVAL_TIMEOUT")

// ErrRequestNotFound is returned for unknown or already-removed requests.
var ErrRequestNotFound = errors.New("approval request not found")

// ErrAlreadyDecided is returned when a verdict arrives twice; only the first
// decision counts.
var ErrAlreadyDecided = errors.New("request already decided")

// applier commits a bridged decision to its backing job before the decision
// becomes visible to anyone else.
type applier func(Decision) error

// Manager is the single decision surface: synchronous approval waits and
// bridged queue jobs both live in its table, and every verdict flows through
// Decide regardless of origin.
type Manager struct {
	logger logger.Logger
	bus    *bus

	decisionTimeout time.Duration
	linger          time.Duration

	mu       sync.Mutex
	requests map[string]*Request
	waiters  map[string]chan Decision
	appliers map[string]applier

	decidedCounts map[RequestState]int
}

// ManagerOpts configures a Manager; zero values pick the defaults.
type ManagerOpts struct {
	DecisionTimeout time.Duration
	Linger          time.Duration
}

func NewManager(l logger.Logger, opts ManagerOpts) *Manager {
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = DefaultDecisionTimeout
	}
	if opts.Linger <= 0 {
		opts.Linger = DefaultLinger
	}
	return &Manager{
		logger:          l,
		bus:             newBus(),
		decisionTimeout: opts.DecisionTimeout,
		linger:          opts.Linger,
		requests:        map[string]*Request{},
		waiters:         map[string]chan Decision{},
		appliers:        map[string]applier{},
		decidedCounts:   map[RequestState]int{},
	}
}

// Subscribe returns a channel of approval events and a cancel function. The
// channel is closed on cancel.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.subscribe()
}

// SyncRequest describes a command needing an inline decision.
type SyncRequest struct {
	Command          string
	Args             []string
	WorkingDirectory string
	OperationType    string
	UserDescription  string
	Timeout          time.Duration
}

// RequestApproval registers a synchronous request and blocks until a human
// decides, the window elapses, or ctx is cancelled. A timeout is recorded on
// the request and reported as ErrApprovalTimeout.
func (m *Manager) RequestApproval(ctx context.Context, req SyncRequest) (Decision, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.decisionTimeout
	}

	now := nowMS()
	r := &Request{
		ID:               uuid.NewString(),
		Kind:             KindSync,
		Command:          req.Command,
		Args:             req.Args,
		WorkingDirectory: req.WorkingDirectory,
		OperationType:    req.OperationType,
		UserDescription:  req.UserDescription,
		Risk:             ScoreRisk(req.Command, req.Args),
		CreatedAt:        now,
		ExpiresAt:        now + timeout.Milliseconds(),
		State:            StatePending,
	}

	ch := make(chan Decision, 1)
	m.mu.Lock()
	m.requests[r.ID] = r
	m.waiters[r.ID] = ch
	m.mu.Unlock()

	m.logger.Info("[Approval] Awaiting decision on %s %v (request %s)", r.Command, r.Args, r.ID)
	m.bus.publish(Event{Type: EventRequestCreated, Request: *r})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		m.expire(r.ID, "no decision within the approval window")
		return Decision{}, fmt.Errorf("request %s: %w", r.ID, ErrApprovalTimeout)
	case <-ctx.Done():
		m.expire(r.ID, "caller went away before a decision")
		return Decision{}, ctx.Err()
	}
}

// AddBridged registers a request mirroring a queued job. apply commits the
// verdict to the job record; it runs before the decision is announced.
func (m *Manager) AddBridged(r *Request, apply func(Decision) error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Kind = KindBridged
	r.State = StatePending
	if r.CreatedAt == 0 {
		r.CreatedAt = nowMS()
	}
	if r.Risk == 0 {
		r.Risk = ScoreRisk(r.Command, r.Args)
	}

	m.mu.Lock()
	m.requests[r.ID] = r
	m.appliers[r.ID] = apply
	m.mu.Unlock()

	m.bus.publish(Event{Type: EventRequestCreated, Request: *r})
}

// HasBridgedJob reports whether a bridged request for the job already exists.
func (m *Manager) HasBridgedJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Kind == KindBridged && r.JobID == jobID {
			return true
		}
	}
	return false
}

// Decide records a verdict. The first decision wins; later ones get
// ErrAlreadyDecided. For bridged requests the backing job is transitioned
// before the event goes out, so observers never see a decided card whose job
// is still pending.
func (m *Manager) Decide(id string, d Decision) (*Request, error) {
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("request %s: %w", id, ErrRequestNotFound)
	}
	if r.State != StatePending {
		m.mu.Unlock()
		return nil, fmt.Errorf("request %s: %w", id, ErrAlreadyDecided)
	}
	apply := m.appliers[id]
	waiter := m.waiters[id]
	m.mu.Unlock()

	if apply != nil {
		if err := apply(d); err != nil {
			return nil, fmt.Errorf("committing decision for %s: %w", id, err)
		}
	}

	m.mu.Lock()
	if r.State != StatePending {
		m.mu.Unlock()
		return nil, fmt.Errorf("request %s: %w", id, ErrAlreadyDecided)
	}
	if d.Approved {
		r.State = StateApproved
	} else {
		r.State = StateRejected
	}
	r.DecidedBy = d.DecidedBy
	r.Reason = d.Reason
	r.DecidedAt = nowMS()
	m.decidedCounts[r.State]++
	snapshot := *r
	delete(m.appliers, id)
	delete(m.waiters, id)
	m.mu.Unlock()

	if waiter != nil {
		waiter <- d
	}

	m.logger.Info("[Approval] Request %s %s by %s", id, snapshot.State, d.DecidedBy)
	m.bus.publish(Event{Type: EventRequestDecided, Request: snapshot})
	m.removeAfterLinger(id)
	return &snapshot, nil
}

// expire marks a pending request timed out and announces it.
func (m *Manager) expire(id, reason string) {
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok || r.State != StatePending {
		m.mu.Unlock()
		return
	}
	r.State = StateTimeout
	r.Reason = reason
	r.DecidedAt = nowMS()
	m.decidedCounts[StateTimeout]++
	snapshot := *r
	delete(m.appliers, id)
	delete(m.waiters, id)
	m.mu.Unlock()

	m.logger.Warn("[Approval] Request %s timed out: %s", id, reason)
	m.bus.publish(Event{Type: EventRequestDecided, Request: snapshot})
	m.removeAfterLinger(id)
}

// ExpireBridged times out a bridged request from outside (the bridge owns
// job-side deadlines).
func (m *Manager) ExpireBridged(id, reason string) {
	m.expire(id, reason)
}

func (m *Manager) removeAfterLinger(id string) {
	time.AfterFunc(m.linger, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.requests, id)
	})
}

// Get returns a copy of one request.
func (m *Manager) Get(id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrRequestNotFound)
	}
	snapshot := *r
	return &snapshot, nil
}

// Pending returns undecided requests, oldest first.
func (m *Manager) Pending() []Request {
	return m.filter(func(r *Request) bool { return r.State == StatePending })
}

// Snapshot returns every live request including recently decided ones,
// oldest first.
func (m *Manager) Snapshot() []Request {
	return m.filter(func(*Request) bool { return true })
}

func (m *Manager) filter(keep func(*Request) bool) []Request {
	m.mu.Lock()
	out := make([]Request, 0, len(m.requests))
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, *r)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt < out[b].CreatedAt })
	return out
}

// Stats summarises decision activity since startup.
type Stats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	TimedOut int `json:"timed_out"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Approved: m.decidedCounts[StateApproved],
		Rejected: m.decidedCounts[StateRejected],
		TimedOut: m.decidedCounts[StateTimeout],
	}
	for _, r := range m.requests {
		if r.State == StatePending {
			s.Pending++
		}
	}
	return s
}
