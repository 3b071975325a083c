package session

import (
	"context"
	"fmt"
	"time"

	"github.com/shellgate/shellgate/internal/approval"
	"github.com/shellgate/shellgate/process"
)

// ExecRequest is a synchronous execution request.
type ExecRequest struct {
	Command          string
	Args             []string
	WorkingDirectory string
	Description      string

	// OnOutput, when set, receives output chunks as they arrive. The final
	// result then omits the collected output.
	OnOutput func(chunk []byte, stream process.Stream)
}

// ExecResult is the outcome of a synchronous execution.
type ExecResult struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	TimedOut        bool   `json:"timed_out"`
	Killed          bool   `json:"killed"`
	Pid             int    `json:"pid"`
}

// Execute validates and runs a command inline. Commands whose pattern
// requires confirmation block on a human decision first.
func (s *Session) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	v := s.validator.Validate(req.Command, req.Args, req.WorkingDirectory, s.cfg.StartDirectory)
	if !v.Allowed {
		return nil, &PolicyError{Reason: v.Reason, Message: v.Message}
	}

	if v.RequiresConfirmation {
		decision, err := s.manager.RequestApproval(ctx, approval.SyncRequest{
			Command:          req.Command,
			Args:             v.SanitizedArgs,
			WorkingDirectory: v.WorkingDir,
			UserDescription:  req.Description,
		})
		if err != nil {
			return nil, err
		}
		if !decision.Approved {
			return nil, &PolicyError{
				Reason:  "USER_REJECTED",
				Message: fmt.Sprintf("rejected by %s: %s", decision.DecidedBy, decision.Reason),
			}
		}
	}

	res, err := s.supervisor.Run(ctx, "", process.Config{
		Path:    req.Command,
		Args:    v.SanitizedArgs,
		Dir:     v.WorkingDir,
		Env:     s.childEnv,
		Timeout: v.Timeout,
		Handler: req.OnOutput,
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, fmt.Errorf("EXECUTION_TIMEOUT: command exceeded its %s timeout", v.Timeout)
	}

	return &ExecResult{
		ExitCode:        res.ExitCode,
		Stdout:          string(res.Stdout),
		Stderr:          string(res.Stderr),
		ExecutionTimeMS: res.ExecutionTime.Milliseconds(),
		TimedOut:        res.TimedOut,
		Killed:          res.Killed,
		Pid:             res.Pid,
	}, nil
}

// AllowedCommand describes one whitelist entry for discovery.
type AllowedCommand struct {
	Command              string   `json:"command"`
	AllowedArgs          []string `json:"allowed_args,omitempty"`
	ArgPatterns          []string `json:"arg_patterns,omitempty"`
	TimeoutMS            int64    `json:"timeout_ms"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	Description          string   `json:"description,omitempty"`
}

// ListAllowedCommands enumerates the compiled whitelist.
func (s *Session) ListAllowedCommands() []AllowedCommand {
	patterns := s.validator.Patterns()
	out := make([]AllowedCommand, 0, len(patterns))
	for _, p := range patterns {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = s.cfg.DefaultTimeout
		}
		var exprs []string
		for _, re := range p.ArgPatterns {
			exprs = append(exprs, re.String())
		}
		out = append(out, AllowedCommand{
			Command:              p.Command,
			AllowedArgs:          p.AllowedArgs,
			ArgPatterns:          exprs,
			TimeoutMS:            int64(timeout / time.Millisecond),
			RequiresConfirmation: p.RequiresConfirmation,
			Description:          p.Description,
		})
	}
	return out
}

// RunningCommand is a live process as seen by get_command_status.
type RunningCommand struct {
	ID        string   `json:"id"`
	Pid       int      `json:"pid"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	RunningMS int64    `json:"running_ms"`
}

// CommandStatus reports the supervisor's live process table.
func (s *Session) CommandStatus() []RunningCommand {
	entries := s.supervisor.Entries()
	out := make([]RunningCommand, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunningCommand{
			ID:        e.ID,
			Pid:       e.Pid,
			Command:   e.Command,
			Args:      e.Args,
			RunningMS: time.Since(e.StartedAt).Milliseconds(),
		})
	}
	return out
}
