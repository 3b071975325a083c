package approval

import (
	"context"
	"testing"
	"time"

	"github.com/shellgate/shellgate/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForPending(t *testing.T, m *Manager, n int) []Request {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p := m.Pending(); len(p) >= n {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d pending requests", n)
	return nil
}

func TestRequestApprovalApproved(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.Discard, ManagerOpts{})

	type outcome struct {
		d   Decision
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		d, err := m.RequestApproval(context.Background(), SyncRequest{
			Command: "git",
			Args:    []string{"push"},
		})
		resCh <- outcome{d, err}
	}()

	pending := waitForPending(t, m, 1)
	req := pending[0]
	assert.Equal(t, KindSync, req.Kind)
	assert.Equal(t, StatePending, req.State)

	decided, err := m.Decide(req.ID, Decision{Approved: true, DecidedBy: "alex"})
	require.NoError(t, err)
	assert.Equal(t, StateApproved, decided.State)

	got := <-resCh
	require.NoError(t, got.err)
	assert.True(t, got.d.Approved)
	assert.Equal(t, "alex", got.d.DecidedBy)
}

func TestRequestApprovalRejected(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.Discard, ManagerOpts{})

	resCh := make(chan Decision, 1)
	go func() {
		d, _ := m.RequestApproval(context.Background(), SyncRequest{Command: "rm", Args: []string{"-r", "build"}})
		resCh <- d
	}()

	req := waitForPending(t, m, 1)[0]
	assert.Equal(t, 8, req.Risk, "rm commands score high")

	_, err := m.Decide(req.ID, Decision{Approved: false, DecidedBy: "alex", Reason: "too broad"})
	require.NoError(t, err)

	d := <-resCh
	assert.False(t, d.Approved)
	assert.Equal(t, "too broad", d.Reason)
}

func TestRequestApprovalTimeout(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.Discard, ManagerOpts{})

	_, err := m.RequestApproval(context.Background(), SyncRequest{
		Command: "ls",
		Timeout: 20 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrApprovalTimeout)

	stats := m.Stats()
	assert.Equal(t, 1, stats.TimedOut)
	assert.Zero(t, stats.Pending)
}

func TestRequestApprovalContextCancelled(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.Discard, ManagerOpts{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := m.RequestApproval(ctx, SyncRequest{Command: "ls"})
		errCh <- err
	}()

	waitForPending(t, m, 1)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestDecideTwice(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.Discard, ManagerOpts{})
	go m.RequestApproval(context.Background(), SyncRequest{Command: "ls"})

	req := waitForPending(t, m, 1)[0]
	_, err := m.Decide(req.ID, Decision{Approved: true, DecidedBy: "a"})
	require.NoError(t, err)

	_, err = m.Decide(req.ID, Decision{Approved: false, DecidedBy: "b"})
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestDecideUnknown(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.Discard, ManagerOpts{})
	_, err := m.Decide("missing", Decision{Approved: true})
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestDecidedRequestLingers(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.Discard, ManagerOpts{Linger: 50 * time.Millisecond})
	go m.RequestApproval(context.Background(), SyncRequest{Command: "ls"})

	req := waitForPending(t, m, 1)[0]
	_, err := m.Decide(req.ID, Decision{Approved: true, DecidedBy: "a"})
	require.NoError(t, err)

	got, err := m.Get(req.ID)
	require.NoError(t, err, "decided request stays visible briefly")
	assert.Equal(t, StateApproved, got.State)
	assert.Empty(t, m.Pending())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get(req.ID); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("request never removed after the linger window")
}

func TestSubscribeReceivesLifecycle(t *testing.T) {
	t.Parallel()

	m := NewManager(logger.Discard, ManagerOpts{})
	events, cancel := m.Subscribe()
	defer cancel()

	go m.RequestApproval(context.Background(), SyncRequest{Command: "ls"})
	req := waitForPending(t, m, 1)[0]

	ev := <-events
	assert.Equal(t, EventRequestCreated, ev.Type)
	assert.Equal(t, req.ID, ev.Request.ID)

	_, err := m.Decide(req.ID, Decision{Approved: true, DecidedBy: "a"})
	require.NoError(t, err)

	ev = <-events
	assert.Equal(t, EventRequestDecided, ev.Type)
	assert.Equal(t, StateApproved, ev.Request.State)
}

func TestScoreRisk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		command string
		args    []string
		want    int
	}{
		{"rm", []string{"-rf", "dist"}, 8},
		{"docker", []string{"build", "."}, 5},
		{"npm", []string{"install"}, 3},
		{"git", []string{"status"}, 1},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ScoreRisk(tc.command, tc.args), "%s %v", tc.command, tc.args)
	}
}
