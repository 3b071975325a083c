//go:build !windows

package queue

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/shellgate/shellgate/logger"
	"github.com/shellgate/shellgate/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestProcessor(t *testing.T, s *Store) *Processor {
	t.Helper()
	sup := process.NewSupervisor(logger.Discard, 2)
	p := NewProcessor(logger.Discard, s, sup, ProcessorOpts{
		TickInterval:    50 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		Env:             os.Environ(),
	})
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func waitForTerminal(t *testing.T, s *Store, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.Peek(id)
		require.NoError(t, err)
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return nil
}

func TestProcessorRunsApprovedJob(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, StoreOpts{})
	j, err := s.Submit(SubmitRequest{
		SessionID:        "session-1",
		Command:          "echo",
		Args:             []string{"hello", "world"},
		WorkingDirectory: t.TempDir(),
		Timeout:          10 * time.Second,
	})
	require.NoError(t, err)

	p := startTestProcessor(t, s)
	p.Kick()

	done := waitForTerminal(t, s, j.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.NotEmpty(t, done.ExecutionToken, "completed jobs carry an execution token")
	require.NotNil(t, done.ProgressPercentage)
	assert.Equal(t, 100, *done.ProgressPercentage)
	assert.NotZero(t, done.StartedAt)
	assert.NotZero(t, done.CompletedAt)

	out, err := os.ReadFile(filepath.Join(s.ResultsDir(j.ID), "stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(out))

	_, err = os.Stat(filepath.Join(s.ResultsDir(j.ID), "metadata.json"))
	assert.NoError(t, err)
}

func TestProcessorExecutionTimeout(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, StoreOpts{})
	j, err := s.Submit(SubmitRequest{
		SessionID:        "session-1",
		Command:          "sleep",
		Args:             []string{"30"},
		WorkingDirectory: t.TempDir(),
		Timeout:          100 * time.Millisecond,
	})
	require.NoError(t, err)

	p := startTestProcessor(t, s)
	p.Kick()

	done := waitForTerminal(t, s, j.ID)
	assert.Equal(t, StatusExecutionTimeout, done.Status)
	assert.True(t, done.TimedOut)
	require.NotNil(t, done.Error)
	assert.Equal(t, "EXECUTION_TIMEOUT", done.Error.Code)
	assert.True(t, done.CanRetry)
	assert.Empty(t, done.ExecutionToken, "timed out jobs never get a token")
}

func TestProcessorNonZeroExit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, StoreOpts{})
	j, err := s.Submit(SubmitRequest{
		SessionID:        "session-1",
		Command:          "sh",
		Args:             []string{"-c", "echo oops >&2; exit 3"},
		WorkingDirectory: t.TempDir(),
		Timeout:          10 * time.Second,
	})
	require.NoError(t, err)

	p := startTestProcessor(t, s)
	p.Kick()

	done := waitForTerminal(t, s, j.ID)
	assert.Equal(t, StatusExecutionFailed, done.Status)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 3, *done.ExitCode)
	require.NotNil(t, done.Error)
	assert.Equal(t, "EXIT_CODE_3", done.Error.Code)

	errOut, err := os.ReadFile(filepath.Join(s.ResultsDir(j.ID), "stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestProcessorSpawnFailure(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, StoreOpts{})
	j, err := s.Submit(SubmitRequest{
		SessionID:        "session-1",
		Command:          "/no/such/binary",
		WorkingDirectory: t.TempDir(),
		Timeout:          10 * time.Second,
	})
	require.NoError(t, err)

	p := startTestProcessor(t, s)
	p.Kick()

	done := waitForTerminal(t, s, j.ID)
	assert.Equal(t, StatusExecutionFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, "SPAWN_ENOENT", done.Error.Code)
	assert.NotEmpty(t, done.Error.Suggestion)
}

func TestProcessorKillPendingJob(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, StoreOpts{})
	j, err := s.Submit(SubmitRequest{
		SessionID:            "session-1",
		Command:              "sleep",
		Args:                 []string{"30"},
		RequiresConfirmation: true,
	})
	require.NoError(t, err)

	sup := process.NewSupervisor(logger.Discard, 2)
	p := NewProcessor(logger.Discard, s, sup, ProcessorOpts{})

	require.NoError(t, p.Kill(j.ID, syscall.SIGTERM))

	got, err := s.Peek(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestProcessorKillTerminalJobFails(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, StoreOpts{})
	j := submitTestJob(t, s, true)
	_, err := s.Transition(j.ID, StatusPendingApproval, StatusRejected, nil)
	require.NoError(t, err)

	sup := process.NewSupervisor(logger.Discard, 2)
	p := NewProcessor(logger.Discard, s, sup, ProcessorOpts{})
	assert.Error(t, p.Kill(j.ID, syscall.SIGTERM))
}

func TestProgressFromChunk(t *testing.T) {
	t.Parallel()

	msg, pct := progressFromChunk("downloading packages 42% done")
	assert.Empty(t, msg)
	require.NotNil(t, pct)
	assert.Equal(t, 42, *pct)

	msg, pct = progressFromChunk("Installing dependencies from lockfile")
	assert.Equal(t, "Installing dependencies...", msg)
	require.NotNil(t, pct)
	assert.Equal(t, 25, *pct)

	msg, pct = progressFromChunk("Compiling module graph")
	assert.Equal(t, "Building project...", msg)
	require.NotNil(t, pct)
	assert.Equal(t, 50, *pct)

	msg, pct = progressFromChunk("nothing interesting")
	assert.Empty(t, msg)
	assert.Nil(t, pct)
}
