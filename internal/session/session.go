// Package session wires the validator, job queue, approval surface, and
// process supervisor into the single facade the RPC layer talks to.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shellgate/shellgate/env"
	"github.com/shellgate/shellgate/internal/approval"
	"github.com/shellgate/shellgate/internal/approvalserver"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/queue"
	"github.com/shellgate/shellgate/internal/whitelist"
	"github.com/shellgate/shellgate/logger"
	"github.com/shellgate/shellgate/process"
)

// PolicyError is a validation refusal: the command never ran and never will
// without a policy change.
type PolicyError struct {
	Reason  string
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Session is one running shellgate instance. All operations go through it;
// Close tears the parts down in dependency order.
type Session struct {
	logger logger.Logger
	cfg    *config.Config
	id     string

	validator  *whitelist.Validator
	store      *queue.Store
	supervisor *process.Supervisor
	processor  *queue.Processor
	manager    *approval.Manager
	bridge     *approval.Bridge

	serverMu sync.Mutex
	server   *approvalserver.Server

	childEnv []string
}

// New builds a Session from configuration. The start directory must be
// trusted (inside a configured project root) or New refuses to come up.
func New(l logger.Logger, cfg *config.Config) (*Session, error) {
	validator, err := whitelist.Compile(cfg.Patterns, cfg.ProjectRoots, cfg.DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("compiling whitelist: %w", err)
	}
	if err := validator.CheckTrust(cfg.StartDirectory); err != nil {
		return nil, err
	}

	childEnv := env.Sanitize(env.FromSlice(os.Environ()), nil, env.SanitizePolicy{
		Blocked: cfg.Env.Blocked,
		Allowed: cfg.Env.Allowed,
	}).ToSlice()

	store, err := queue.Open(l, queue.StoreOpts{
		Dir:             cfg.QueueDir(),
		Capacity:        cfg.Queue.Capacity,
		MaxConcurrent:   cfg.MaxConcurrent,
		Retention:       cfg.Queue.Retention,
		CleanupInterval: cfg.Queue.CleanupInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}

	supervisor := process.NewSupervisor(l, cfg.MaxConcurrent)
	processor := queue.NewProcessor(l, store, supervisor, queue.ProcessorOpts{
		TickInterval:    cfg.Queue.ProcessorInterval,
		ShutdownTimeout: cfg.Queue.ShutdownTimeout,
		Env:             childEnv,
	})
	manager := approval.NewManager(l, approval.ManagerOpts{})
	bridge := approval.NewBridge(l, store, manager, approval.BridgeOpts{
		Interval:      cfg.Queue.BridgeInterval,
		KickProcessor: processor.Kick,
	})

	s := &Session{
		logger:     l,
		cfg:        cfg,
		id:         fmt.Sprintf("session-%d", os.Getpid()),
		validator:  validator,
		store:      store,
		supervisor: supervisor,
		processor:  processor,
		manager:    manager,
		bridge:     bridge,
		childEnv:   childEnv,
	}

	store.Start()
	processor.Start()
	bridge.Start()

	l.Info("[Session] Ready in %s (queue at %s)", cfg.StartDirectory, cfg.QueueDir())
	return s, nil
}

// ID identifies this session in job records.
func (s *Session) ID() string {
	return s.id
}

// Close shuts everything down: no new work is admitted, in-flight jobs get
// the shutdown grace period, then the store lock is released.
func (s *Session) Close() {
	s.bridge.Stop()
	s.processor.Stop()

	s.serverMu.Lock()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.server.Stop(ctx)
		cancel()
		s.server = nil
	}
	s.serverMu.Unlock()

	s.supervisor.Shutdown(s.cfg.Queue.ShutdownTimeout)
	s.store.Stop()
	s.logger.Info("[Session] Shut down")
}
