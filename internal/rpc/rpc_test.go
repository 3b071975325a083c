//go:build !windows

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, patterns []config.Pattern) *Dispatcher {
	t.Helper()
	cfg := config.New()
	cfg.StartDirectory = t.TempDir()
	cfg.ProjectRoots = []string{cfg.StartDirectory}
	cfg.Queue.BaseDir = t.TempDir()
	cfg.Queue.ProcessorInterval = 50 * time.Millisecond
	cfg.Queue.BridgeInterval = 50 * time.Millisecond
	cfg.Patterns = patterns

	sess, err := session.New(logger.Discard, cfg)
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	return New(logger.Discard, logger.NewRing(100), sess)
}

type wireLine struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// runRPC feeds newline-delimited requests through Serve and returns every
// output line decoded, in emission order.
func runRPC(t *testing.T, d *Dispatcher, requests ...string) []wireLine {
	t.Helper()
	var out bytes.Buffer
	err := d.Serve(context.Background(), strings.NewReader(strings.Join(requests, "\n")+"\n"), &out)
	require.NoError(t, err)

	var lines []wireLine
	for _, raw := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if raw == "" {
			continue
		}
		var l wireLine
		require.NoError(t, json.Unmarshal([]byte(raw), &l), "line %q", raw)
		lines = append(lines, l)
	}
	return lines
}

func findByID(t *testing.T, lines []wireLine, id string) wireLine {
	t.Helper()
	for _, l := range lines {
		if string(l.ID) == id && l.Event == "" {
			return l
		}
	}
	t.Fatalf("no response with id %s", id)
	return wireLine{}
}

func TestExecuteCommandRoundTrip(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, []config.Pattern{
		{Command: "echo", ArgPatterns: []string{`^\w+$`}},
	})

	lines := runRPC(t, d,
		`{"id":1,"method":"execute_command","params":{"command":"echo","args":["hello"]}}`,
	)
	resp := findByID(t, lines, "1")
	require.Nil(t, resp.Error)

	var res session.ExecResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestExecuteCommandPolicyError(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, []config.Pattern{{Command: "echo"}})

	lines := runRPC(t, d,
		`{"id":1,"method":"execute_command","params":{"command":"rm","args":["-rf","/"]}}`,
	)
	resp := findByID(t, lines, "1")
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_WHITELISTED", resp.Error.Code)
}

func TestExecuteCommandStreamingEvents(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, []config.Pattern{
		{Command: "echo", ArgPatterns: []string{`^\w+$`}},
	})

	lines := runRPC(t, d,
		`{"id":7,"method":"execute_command_streaming","params":{"command":"echo","args":["streamed"]}}`,
	)

	var sawOutput bool
	for _, l := range lines {
		if l.Event == "output" {
			sawOutput = true
			var data struct {
				Stream string `json:"stream"`
				Chunk  string `json:"chunk"`
			}
			require.NoError(t, json.Unmarshal(l.Data, &data))
			assert.Equal(t, "stdout", data.Stream)
			assert.Contains(t, data.Chunk, "streamed")
		}
	}
	assert.True(t, sawOutput, "no output event emitted")

	resp := findByID(t, lines, "7")
	require.Nil(t, resp.Error)
	var res session.ExecResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Empty(t, res.Stdout)
}

func TestAsyncLifecycleOverRPC(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, []config.Pattern{
		{Command: "sleep", ArgPatterns: []string{`^\d+$`}, RequiresConfirmation: true},
	})

	lines := runRPC(t, d,
		`{"id":1,"method":"execute_command_async","params":{"command":"sleep","args":["60"],"conversation_id":"c1"}}`,
	)
	resp := findByID(t, lines, "1")
	require.Nil(t, resp.Error)

	var sub session.AsyncSubmission
	require.NoError(t, json.Unmarshal(resp.Result, &sub))
	assert.Equal(t, "pending_approval", string(sub.Job.Status))
	assert.True(t, sub.RequiresConfirmation)

	lines = runRPC(t, d,
		`{"id":2,"method":"check_job_status","params":{"job_id":"`+sub.Job.ID+`"}}`,
		`{"id":3,"method":"kill_command","params":{"identifier":"`+sub.Job.ID+`"}}`,
		`{"id":4,"method":"check_conversation_jobs","params":{"conversation_id":"c1"}}`,
	)
	status := findByID(t, lines, "2")
	require.Nil(t, status.Error)
	killed := findByID(t, lines, "3")
	require.Nil(t, killed.Error)
}

func TestJobNotFoundCode(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, nil)
	lines := runRPC(t, d,
		`{"id":1,"method":"check_job_status","params":{"job_id":"missing"}}`,
	)
	resp := findByID(t, lines, "1")
	require.NotNil(t, resp.Error)
	assert.Equal(t, "JOB_NOT_FOUND", resp.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, nil)
	lines := runRPC(t, d, `{"id":1,"method":"frobnicate"}`)
	resp := findByID(t, lines, "1")
	require.NotNil(t, resp.Error)
	assert.Equal(t, "METHOD_NOT_FOUND", resp.Error.Code)
}

func TestParseError(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, nil)
	lines := runRPC(t, d, `{not json`)
	require.Len(t, lines, 1)
	require.NotNil(t, lines[0].Error)
	assert.Equal(t, "PARSE_ERROR", lines[0].Error.Code)
}

func TestListAllowedCommandsAndLogs(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, []config.Pattern{
		{Command: "echo", Description: "print"},
	})

	lines := runRPC(t, d,
		`{"id":1,"method":"list_allowed_commands"}`,
		`{"id":2,"method":"get_logs","params":{"count":10}}`,
		`{"id":3,"method":"get_command_status"}`,
	)

	list := findByID(t, lines, "1")
	require.Nil(t, list.Error)
	var cmds struct {
		Commands []session.AllowedCommand `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(list.Result, &cmds))
	require.Len(t, cmds.Commands, 1)
	assert.Equal(t, "echo", cmds.Commands[0].Command)

	logs := findByID(t, lines, "2")
	require.Nil(t, logs.Error)

	status := findByID(t, lines, "3")
	require.Nil(t, status.Error)
}

func TestSplitCode(t *testing.T) {
	t.Parallel()

	code, rest, ok := splitCode("METHOD_NOT_FOUND: unknown method")
	assert.True(t, ok)
	assert.Equal(t, "METHOD_NOT_FOUND", code)
	assert.Equal(t, "unknown method", rest)

	_, _, ok = splitCode("plain error message")
	assert.False(t, ok)
}
