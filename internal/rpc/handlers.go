package rpc

import (
	"context"
	"fmt"
	"syscall"

	"github.com/shellgate/shellgate/internal/queue"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/logger"
	"github.com/shellgate/shellgate/process"
)

type execParams struct {
	Command          string   `json:"command"`
	Args             []string `json:"args"`
	WorkingDirectory string   `json:"working_directory"`
	Description      string   `json:"description"`
	ConversationID   string   `json:"conversation_id"`
}

type jobParams struct {
	JobID          string `json:"job_id"`
	ExecutionToken string `json:"execution_token"`
}

type listParams struct {
	Status         string `json:"status"`
	OperationType  string `json:"operation_type"`
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
}

type killParams struct {
	Identifier string `json:"identifier"`
	Signal     string `json:"signal"`
}

type launchParams struct {
	ForceRestart bool  `json:"force_restart"`
	OpenBrowser  *bool `json:"open_browser"`
}

type logsParams struct {
	Level     string `json:"level"`
	Component string `json:"component"`
	Operation string `json:"operation"`
	Count     int    `json:"count"`
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case "execute_command":
		var p execParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return d.session.Execute(ctx, session.ExecRequest{
			Command:          p.Command,
			Args:             p.Args,
			WorkingDirectory: p.WorkingDirectory,
			Description:      p.Description,
		})

	case "execute_command_streaming":
		var p execParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return d.session.Execute(ctx, session.ExecRequest{
			Command:          p.Command,
			Args:             p.Args,
			WorkingDirectory: p.WorkingDirectory,
			Description:      p.Description,
			OnOutput: func(chunk []byte, stream process.Stream) {
				d.write(Event{ID: req.ID, Event: "output", Data: map[string]string{
					"stream": stream.String(),
					"chunk":  string(chunk),
				}})
			},
		})

	case "execute_command_async":
		var p execParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return d.session.SubmitAsync(session.AsyncRequest{
			Command:          p.Command,
			Args:             p.Args,
			WorkingDirectory: p.WorkingDirectory,
			ConversationID:   p.ConversationID,
			Description:      p.Description,
		})

	case "check_job_status":
		var p jobParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return d.session.CheckStatus(p.JobID)

	case "get_job_result":
		var p jobParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return d.session.GetResult(p.JobID, p.ExecutionToken)

	case "list_jobs":
		var p listParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		jobs, err := d.session.ListJobs(queue.Filter{
			Status:         queue.Status(p.Status),
			OperationType:  queue.OperationType(p.OperationType),
			ConversationID: p.ConversationID,
			Limit:          p.Limit,
			Offset:         p.Offset,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"jobs": jobs}, nil

	case "check_conversation_jobs":
		var p execParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return d.session.CheckConversationJobs(p.ConversationID)

	case "list_allowed_commands":
		return map[string]any{"commands": d.session.ListAllowedCommands()}, nil

	case "get_command_status":
		return map[string]any{"running": d.session.CommandStatus()}, nil

	case "kill_command":
		var p killParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		var sig syscall.Signal
		if p.Signal != "" {
			var err error
			sig, err = process.ParseSignal(p.Signal)
			if err != nil {
				return nil, fmt.Errorf("INVALID_PARAMS: %w", err)
			}
		}
		if err := d.session.Kill(p.Identifier, sig); err != nil {
			return nil, err
		}
		return map[string]any{"killed": p.Identifier}, nil

	case "get_approval_status":
		return d.session.GetApprovalStatus(), nil

	case "launch_approval_center":
		var p launchParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		open := true
		if p.OpenBrowser != nil {
			open = *p.OpenBrowser
		}
		return d.session.LaunchApprovalCenter(p.ForceRestart, open)

	case "get_logs":
		var p logsParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		entries := []logger.Entry{}
		if d.ring != nil {
			entries = d.ring.Query(p.Level, p.Component, p.Operation, p.Count)
		}
		return map[string]any{"entries": entries}, nil

	default:
		return nil, fmt.Errorf("METHOD_NOT_FOUND: unknown method %q", req.Method)
	}
}
