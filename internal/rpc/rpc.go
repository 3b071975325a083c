// Package rpc exposes the session over newline-delimited JSON on
// stdin/stdout: one request object per line in, one response object per line
// out, with streamed output delivered as interleaved event lines.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/shellgate/shellgate/internal/approval"
	"github.com/shellgate/shellgate/internal/queue"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/logger"
	"github.com/shellgate/shellgate/process"
)

// maxLineSize bounds a single request line.
const maxLineSize = 10 * 1024 * 1024

// Request is one inbound operation.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a structured failure with a stable code.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Response answers one Request, matched by ID.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Event is an interleaved notification for streaming operations.
type Event struct {
	ID    json.RawMessage `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  any             `json:"data,omitempty"`
}

// Dispatcher routes requests to the session.
type Dispatcher struct {
	logger  logger.Logger
	ring    *logger.Ring
	session *session.Session

	writeMu sync.Mutex
	out     io.Writer
}

// New builds a Dispatcher. ring may be nil, in which case get_logs returns
// an empty listing.
func New(l logger.Logger, ring *logger.Ring, sess *session.Session) *Dispatcher {
	return &Dispatcher{logger: l, ring: ring, session: sess}
}

// Serve reads requests from r until EOF or ctx cancellation. Requests are
// handled concurrently; responses are written one JSON object per line.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	d.out = w

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			d.write(Response{Error: &Error{Code: "PARSE_ERROR", Message: err.Error()}})
			continue
		}

		handlers.Add(1)
		go func(req Request) {
			defer handlers.Done()
			d.handle(ctx, req)
		}(req)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return scanner.Err()
}

func (d *Dispatcher) write(v any) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		d.logger.Error("[RPC] Marshalling response: %v", err)
		return
	}
	b = append(b, '\n')
	if _, err := d.out.Write(b); err != nil {
		d.logger.Error("[RPC] Writing response: %v", err)
	}
}

func (d *Dispatcher) handle(ctx context.Context, req Request) {
	result, err := d.dispatch(ctx, req)
	if err != nil {
		d.write(Response{ID: req.ID, Error: toError(err)})
		return
	}
	d.write(Response{ID: req.ID, Result: result})
}

func unmarshalParams(req Request, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("INVALID_PARAMS: %w", err)
	}
	return nil
}

// toError maps internal failures onto stable wire codes.
func toError(err error) *Error {
	var policyErr *session.PolicyError
	if errors.As(err, &policyErr) {
		return &Error{Code: policyErr.Reason, Message: policyErr.Message}
	}
	var spawnErr *process.SpawnError
	if errors.As(err, &spawnErr) {
		return &Error{Code: spawnErr.Code, Message: spawnErr.Err.Error(), Suggestion: spawnErr.Suggestion}
	}
	var capErr *process.CapacityError
	if errors.As(err, &capErr) {
		return &Error{
			Code:       "CAPACITY_EXCEEDED",
			Message:    capErr.Error(),
			Suggestion: "wait for a running command to finish or use execute_command_async",
		}
	}

	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		return &Error{Code: "JOB_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, session.ErrInvalidExecutionToken):
		return &Error{
			Code:       "INVALID_EXECUTION_TOKEN",
			Message:    err.Error(),
			Suggestion: "use the execution_token returned when the job completed",
		}
	case errors.Is(err, approval.ErrApprovalTimeout):
		return &Error{
			Code:       "APPROVAL_TIMEOUT",
			Message:    err.Error(),
			Suggestion: "open the approval center and resubmit",
		}
	case errors.Is(err, approval.ErrRequestNotFound):
		return &Error{Code: "REQUEST_NOT_FOUND", Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &Error{Code: "CANCELLED", Message: err.Error()}
	}

	// Errors created as "CODE: detail" keep their code on the wire.
	if code, rest, ok := splitCode(err.Error()); ok {
		return &Error{Code: code, Message: rest}
	}
	return &Error{Code: "INTERNAL_ERROR", Message: err.Error()}
}

// splitCode recognises the "SCREAMING_SNAKE: detail" error convention.
func splitCode(msg string) (code, rest string, ok bool) {
	idx := -1
	for i, c := range msg {
		if c == ':' {
			idx = i
			break
		}
		if !(c >= 'A' && c <= 'Z' || c == '_') {
			return "", "", false
		}
	}
	if idx < 1 || idx+2 > len(msg) {
		return "", "", false
	}
	return msg[:idx], strings.TrimSpace(msg[idx+1:]), true
}
