package approval

import (
	"time"

	"github.com/shellgate/shellgate/internal/queue"
	"github.com/shellgate/shellgate/logger"
)

const (
	// DefaultBridgeInterval is how often the bridge rescans the queue for
	// jobs awaiting approval.
	DefaultBridgeInterval = 2 * time.Second
)

// Bridge surfaces queued pending_approval jobs as approval requests and
// commits verdicts back to the job store. The processor is kicked after an
// approval so the job starts without waiting for the next scan tick.
type Bridge struct {
	logger  logger.Logger
	store   *queue.Store
	manager *Manager

	interval        time.Duration
	approvalTimeout time.Duration
	kickProcessor   func()

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// BridgeOpts configures a Bridge.
type BridgeOpts struct {
	Interval        time.Duration
	ApprovalTimeout time.Duration

	// KickProcessor wakes the job processor after an approval.
	KickProcessor func()
}

func NewBridge(l logger.Logger, store *queue.Store, manager *Manager, opts BridgeOpts) *Bridge {
	if opts.Interval <= 0 {
		opts.Interval = DefaultBridgeInterval
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = DefaultDecisionTimeout
	}
	if opts.KickProcessor == nil {
		opts.KickProcessor = func() {}
	}
	return &Bridge{
		logger:          l,
		store:           store,
		manager:         manager,
		interval:        opts.Interval,
		approvalTimeout: opts.ApprovalTimeout,
		kickProcessor:   opts.KickProcessor,
		kickCh:          make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start launches the scan loop.
func (b *Bridge) Start() {
	go func() {
		defer close(b.doneCh)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			b.Scan()
			select {
			case <-ticker.C:
			case <-b.kickCh:
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Kick triggers an immediate scan, used right after an async submission so
// the request shows up in the approval view without a tick of delay.
func (b *Bridge) Kick() {
	select {
	case b.kickCh <- struct{}{}:
	default:
	}
}

// Stop halts the scan loop.
func (b *Bridge) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

// Scan bridges every unseen pending_approval job and times out the overdue
// ones. Exported so callers can force a synchronous pass in tests.
func (b *Bridge) Scan() {
	pending, err := b.store.List(queue.Filter{Status: queue.StatusPendingApproval})
	if err != nil {
		b.logger.Error("[Bridge] Listing pending jobs: %v", err)
		return
	}

	cutoff := time.Now().Add(-b.approvalTimeout).UnixMilli()
	for _, summary := range pending {
		if summary.SubmittedAt < cutoff {
			b.timeoutJob(summary.ID)
			continue
		}
		if b.manager.HasBridgedJob(summary.ID) {
			continue
		}
		b.bridgeJob(summary.ID)
	}
}

func (b *Bridge) bridgeJob(jobID string) {
	job, err := b.store.Peek(jobID)
	if err != nil {
		b.logger.Error("[Bridge] Reading job %s: %v", jobID, err)
		return
	}
	if job.Status != queue.StatusPendingApproval {
		return
	}

	req := &Request{
		JobID:            job.ID,
		Command:          job.Command,
		Args:             job.Args,
		WorkingDirectory: job.WorkingDirectory,
		OperationType:    string(job.OperationType),
		UserDescription:  job.UserDescription,
		CreatedAt:        job.SubmittedAt,
		ExpiresAt:        job.SubmittedAt + b.approvalTimeout.Milliseconds(),
	}

	b.manager.AddBridged(req, func(d Decision) error {
		if d.Approved {
			_, err := b.store.Transition(job.ID, queue.StatusPendingApproval, queue.StatusApproved, func(j *queue.Job) {
				j.ApprovedAt = nowMS()
				j.ApprovedBy = d.DecidedBy
				j.CurrentPhase = "execution"
				j.ProgressMessage = "Approved, waiting to execute"
			})
			if err != nil {
				return err
			}
			b.kickProcessor()
			return nil
		}
		_, err := b.store.Transition(job.ID, queue.StatusPendingApproval, queue.StatusRejected, func(j *queue.Job) {
			j.RejectedBy = d.DecidedBy
			j.RejectionReason = d.Reason
			j.CompletedAt = nowMS()
			j.CurrentPhase = "rejected"
			j.ProgressMessage = "Rejected by " + d.DecidedBy
		})
		return err
	})

	b.logger.Info("[Bridge] Job %s surfaced for approval", job.ID)
}

func (b *Bridge) timeoutJob(jobID string) {
	_, err := b.store.Transition(jobID, queue.StatusPendingApproval, queue.StatusApprovalTimeout, func(j *queue.Job) {
		j.CompletedAt = nowMS()
		j.CurrentPhase = "approval_timeout"
		j.ProgressMessage = "No decision within the approval window"
		j.Error = &queue.JobError{
			Code:       "APPROVAL_TIMEOUT",
			Message:    "no decision within the approval window",
			Suggestion: "resubmit and decide in the approval center",
		}
	})
	if err != nil {
		b.logger.Error("[Bridge] Timing out job %s: %v", jobID, err)
		return
	}
	b.logger.Warn("[Bridge] Job %s timed out waiting for approval", jobID)

	// Retire the matching request card if one is on display.
	for _, r := range b.manager.Pending() {
		if r.Kind == KindBridged && r.JobID == jobID {
			b.manager.ExpireBridged(r.ID, "approval window elapsed")
		}
	}
}
