package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/shellgate/shellgate/internal/queue"
)

// ErrInvalidExecutionToken is returned when result retrieval presents a
// missing or wrong token.
var ErrInvalidExecutionToken = errors.New("INVALID_EXECUTION_TOKEN")

// AsyncRequest submits a command to the durable queue.
type AsyncRequest struct {
	Command          string
	Args             []string
	WorkingDirectory string
	ConversationID   string
	Description      string
}

// AsyncSubmission is what the caller gets back immediately: the job plus a
// hint on when to poll next.
type AsyncSubmission struct {
	Job                  *queue.Job `json:"job"`
	NextPollMS           int64      `json:"next_poll_ms"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
}

// SubmitAsync validates a command and enqueues it. Jobs needing confirmation
// surface in the approval center right away via the bridge kick.
func (s *Session) SubmitAsync(req AsyncRequest) (*AsyncSubmission, error) {
	v := s.validator.Validate(req.Command, req.Args, req.WorkingDirectory, s.cfg.StartDirectory)
	if !v.Allowed {
		return nil, &PolicyError{Reason: v.Reason, Message: v.Message}
	}

	job, err := s.store.Submit(queue.SubmitRequest{
		SessionID:            s.id,
		ConversationID:       req.ConversationID,
		Command:              req.Command,
		Args:                 v.SanitizedArgs,
		WorkingDirectory:     v.WorkingDir,
		Timeout:              v.Timeout,
		RequiresConfirmation: v.RequiresConfirmation,
		UserDescription:      req.Description,
	})
	if err != nil {
		return nil, err
	}

	if job.Status == queue.StatusPendingApproval {
		s.bridge.Kick()
	} else {
		s.processor.Kick()
	}

	return &AsyncSubmission{
		Job:                  job,
		NextPollMS:           queue.NextPollRecommendation(job).Milliseconds(),
		RequiresConfirmation: v.RequiresConfirmation,
	}, nil
}

// JobStatus is a poll response: the job plus the next recommended wait.
type JobStatus struct {
	Job        *queue.Job `json:"job"`
	NextPollMS int64      `json:"next_poll_ms"`
}

// CheckStatus returns a job's current state and records the poll.
func (s *Session) CheckStatus(jobID string) (*JobStatus, error) {
	job, err := s.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{
		Job:        job,
		NextPollMS: queue.NextPollRecommendation(job).Milliseconds(),
	}, nil
}

// JobResult is the full output of a completed job.
type JobResult struct {
	Job      *queue.Job `json:"job"`
	Stdout   string     `json:"stdout"`
	Stderr   string     `json:"stderr"`
	Metadata string     `json:"metadata,omitempty"`
}

// GetResult returns a completed job's output. The execution token minted at
// completion is the only credential that unlocks it.
func (s *Session) GetResult(jobID, token string) (*JobResult, error) {
	job, err := s.store.Peek(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != queue.StatusCompleted {
		return nil, fmt.Errorf("job %s is %s; results exist only for completed jobs", jobID, job.Status)
	}
	if !queue.TokenMatches(job.ExecutionToken, token) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrInvalidExecutionToken)
	}

	dir := s.store.ResultsDir(jobID)
	res := &JobResult{Job: job}
	if b, err := os.ReadFile(filepath.Join(dir, "stdout.log")); err == nil {
		res.Stdout = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(dir, "stderr.log")); err == nil {
		res.Stderr = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(dir, "metadata.json")); err == nil {
		res.Metadata = string(b)
	}
	return res, nil
}

// ListJobs enumerates queued jobs.
func (s *Session) ListJobs(f queue.Filter) ([]queue.Summary, error) {
	return s.store.List(f)
}

// ConversationJobs summarises a conversation's queue activity in one call,
// cheaper than a status poll per job.
type ConversationJobs struct {
	Jobs     []queue.Summary `json:"jobs"`
	Active   int             `json:"active"`
	Terminal int             `json:"terminal"`
}

func (s *Session) CheckConversationJobs(conversationID string) (*ConversationJobs, error) {
	jobs, err := s.store.List(queue.Filter{ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	out := &ConversationJobs{Jobs: jobs}
	for _, j := range jobs {
		if j.Status.Terminal() {
			out.Terminal++
		} else {
			out.Active++
		}
	}
	return out, nil
}

// Kill cancels a queued job or signals a running process. The identifier is
// a job id, a supervisor id, or a numeric pid.
func (s *Session) Kill(identifier string, sig syscall.Signal) error {
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	if _, err := s.store.Peek(identifier); err == nil {
		return s.processor.Kill(identifier, sig)
	}
	if s.supervisor.Contains(identifier) {
		return s.supervisor.Kill(identifier, sig)
	}
	return fmt.Errorf("nothing matches %q: %w", identifier, queue.ErrJobNotFound)
}

// QueueStats exposes the store's statistics snapshot.
func (s *Session) QueueStats() (*queue.QueueStats, error) {
	return s.store.Stats()
}
