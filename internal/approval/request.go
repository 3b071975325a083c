// Package approval coordinates human decisions on command executions: it
// tracks pending requests, blocks synchronous callers until a verdict
// arrives, and bridges queued jobs into the same decision surface.
package approval

import "time"

// Kind distinguishes how a request entered the system.
type Kind string

const (
	// KindSync requests block an execute_command call until decided.
	KindSync Kind = "sync"
	// KindBridged requests mirror a queued job awaiting approval.
	KindBridged Kind = "bridged"
)

// RequestState is the lifecycle of an approval request.
type RequestState string

const (
	StatePending  RequestState = "pending"
	StateApproved RequestState = "approved"
	StateRejected RequestState = "rejected"
	StateTimeout  RequestState = "timeout"
)

// RequestRef identifies a request together with how it entered.
type RequestRef struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// Request is one command execution awaiting (or recently given) a human
// verdict. Timestamps are Unix milliseconds.
type Request struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// JobID is set for bridged requests only.
	JobID string `json:"job_id,omitempty"`

	Command          string   `json:"command"`
	Args             []string `json:"args"`
	WorkingDirectory string   `json:"working_directory"`
	OperationType    string   `json:"operation_type,omitempty"`
	UserDescription  string   `json:"user_description,omitempty"`

	Risk int `json:"risk"`

	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`

	State     RequestState `json:"state"`
	DecidedBy string       `json:"decided_by,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	DecidedAt int64        `json:"decided_at,omitempty"`
}

// Ref returns the request's tagged identifier.
func (r *Request) Ref() RequestRef {
	return RequestRef{ID: r.ID, Kind: r.Kind}
}

// Decision is a human verdict on a request.
type Decision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
