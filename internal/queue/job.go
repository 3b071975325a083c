// Package queue implements the durable asynchronous job queue: a
// filesystem-backed store sharded by status, and the background processor
// that executes approved jobs.
package queue

import "time"

// Status is the lifecycle state of a job. On disk a job lives in the shard
// directory named after its current status.
type Status string

const (
	StatusPendingApproval  Status = "pending_approval"
	StatusApproved         Status = "approved"
	StatusExecuting        Status = "executing"
	StatusCompleted        Status = "completed"
	StatusRejected         Status = "rejected"
	StatusApprovalTimeout  Status = "approval_timeout"
	StatusExecutionTimeout Status = "execution_timeout"
	StatusExecutionFailed  Status = "execution_failed"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
)

// AllStatuses is the shard scan order: live states first so the common
// lookups touch fewer directories.
var AllStatuses = []Status{
	StatusPendingApproval,
	StatusApproved,
	StatusExecuting,
	StatusCompleted,
	StatusRejected,
	StatusApprovalTimeout,
	StatusExecutionTimeout,
	StatusExecutionFailed,
	StatusCancelled,
	StatusExpired,
}

// Terminal reports whether no transition may leave this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusApprovalTimeout,
		StatusExecutionTimeout, StatusExecutionFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// OperationType is a coarse classification of what a command does, used for
// duration estimates and filtering.
type OperationType string

const (
	OpPackageInstall OperationType = "package_install"
	OpBuildCompile   OperationType = "build_compile"
	OpDockerBuild    OperationType = "docker_build"
	OpTestSuite      OperationType = "test_suite"
	OpCodeGeneration OperationType = "code_generation"
	OpDeployment     OperationType = "deployment"
	OpDatabase       OperationType = "database"
	OpOther          OperationType = "other"
)

// JobError is a structured failure attached to a job record.
type JobError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Job is the persistent record of one requested command execution. All
// timestamps are Unix milliseconds.
type Job struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id"`

	Command              string        `json:"command"`
	Args                 []string      `json:"args"`
	WorkingDirectory     string        `json:"working_directory"`
	RequestedTimeoutMS   int64         `json:"requested_timeout_ms"`
	OperationType        OperationType `json:"operation_type"`
	UserDescription      string        `json:"user_description,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation"`

	SubmittedAt  int64 `json:"submitted_at"`
	LastUpdated  int64 `json:"last_updated"`
	StartedAt    int64 `json:"started_at,omitempty"`
	CompletedAt  int64 `json:"completed_at,omitempty"`
	ApprovedAt   int64 `json:"approved_at,omitempty"`
	LastPolledAt int64 `json:"last_polled_at,omitempty"`

	Status             Status `json:"status"`
	CurrentPhase       string `json:"current_phase"`
	ProgressMessage    string `json:"progress_message"`
	ProgressPercentage *int   `json:"progress_percentage,omitempty"`

	ExitCode        *int      `json:"exit_code,omitempty"`
	ExecutionTimeMS int64     `json:"execution_time_ms,omitempty"`
	TimedOut        bool      `json:"timed_out,omitempty"`
	Killed          bool      `json:"killed,omitempty"`
	Pid             int       `json:"pid,omitempty"`
	Error           *JobError `json:"error,omitempty"`

	ExecutionToken string `json:"execution_token,omitempty"`

	ApprovedBy      string `json:"approved_by,omitempty"`
	RejectedBy      string `json:"rejected_by,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`

	PollCount           int   `json:"poll_count"`
	RetryCount          int   `json:"retry_count"`
	CanRetry            bool  `json:"can_retry"`
	EstimatedDurationMS int64 `json:"estimated_duration_ms"`
}

// Summary is the projection of a Job used in listings; large and secret
// fields are omitted.
type Summary struct {
	ID                 string        `json:"id"`
	ConversationID     string        `json:"conversation_id,omitempty"`
	Command            string        `json:"command"`
	Args               []string      `json:"args"`
	OperationType      OperationType `json:"operation_type"`
	Status             Status        `json:"status"`
	SubmittedAt        int64         `json:"submitted_at"`
	CurrentPhase       string        `json:"current_phase"`
	ProgressMessage    string        `json:"progress_message"`
	ProgressPercentage *int          `json:"progress_percentage,omitempty"`
	UserDescription    string        `json:"user_description,omitempty"`
}

func (j *Job) summary() Summary {
	return Summary{
		ID:                 j.ID,
		ConversationID:     j.ConversationID,
		Command:            j.Command,
		Args:               j.Args,
		OperationType:      j.OperationType,
		Status:             j.Status,
		SubmittedAt:        j.SubmittedAt,
		CurrentPhase:       j.CurrentPhase,
		ProgressMessage:    j.ProgressMessage,
		ProgressPercentage: j.ProgressPercentage,
		UserDescription:    j.UserDescription,
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
