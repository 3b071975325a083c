package approvalserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shellgate/shellgate/internal/approval"
	"github.com/shellgate/shellgate/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, *approval.Manager) {
	t.Helper()
	m := approval.NewManager(logger.Discard, approval.ManagerOpts{})
	s, err := New(logger.Discard, m)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, m
}

func addPendingRequest(t *testing.T, m *approval.Manager) approval.Request {
	t.Helper()
	go m.RequestApproval(context.Background(), approval.SyncRequest{
		Command:          "npm",
		Args:             []string{"install"},
		WorkingDirectory: "/work/app",
	})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p := m.Pending(); len(p) > 0 {
			return p[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pending request never appeared")
	return approval.Request{}
}

func doRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthNeedsNoToken(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	resp := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/health", s.Addr()), "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.NotZero(t, body.Timestamp)
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	resp := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/api/requests/pending", s.Addr()), "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Unauthorized", body["error"])
	assert.Equal(t, "Valid authentication token required", body["message"])
}

func TestAuthViaHeaderAndQuery(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)

	header := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/api/requests/pending", s.Addr()), s.Token(), nil)
	assert.Equal(t, http.StatusOK, header.StatusCode)

	query := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/api/requests/pending?token=%s", s.Addr(), s.Token()), "", nil)
	assert.Equal(t, http.StatusOK, query.StatusCode)

	wrong := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/api/requests/pending?token=nope", s.Addr()), "", nil)
	assert.Equal(t, http.StatusUnauthorized, wrong.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	resp := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/health", s.Addr()), "", nil)

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", resp.Header.Get("X-XSS-Protection"))
	assert.Equal(t, "strict-origin-when-cross-origin", resp.Header.Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self' 'unsafe-inline'; connect-src 'self'", resp.Header.Get("Content-Security-Policy"))
}

func TestPendingAndApprove(t *testing.T) {
	t.Parallel()

	s, m := startTestServer(t)
	req := addPendingRequest(t, m)

	resp := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/api/requests/pending", s.Addr()), s.Token(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Requests []approval.Request `json:"requests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Requests, 1)
	assert.Equal(t, req.ID, listing.Requests[0].ID)

	approve := doRequest(t, http.MethodPost,
		fmt.Sprintf("http://%s/api/requests/%s/approve", s.Addr(), req.ID),
		s.Token(), map[string]string{"decidedBy": "tester"})
	require.Equal(t, http.StatusOK, approve.StatusCode)

	var decided approval.Request
	require.NoError(t, json.NewDecoder(approve.Body).Decode(&decided))
	assert.Equal(t, approval.StateApproved, decided.State)
	assert.Equal(t, "tester", decided.DecidedBy)

	again := doRequest(t, http.MethodPost,
		fmt.Sprintf("http://%s/api/requests/%s/approve", s.Addr(), req.ID),
		s.Token(), nil)
	assert.Equal(t, http.StatusConflict, again.StatusCode)
}

func TestRejectWithReason(t *testing.T) {
	t.Parallel()

	s, m := startTestServer(t)
	req := addPendingRequest(t, m)

	resp := doRequest(t, http.MethodPost,
		fmt.Sprintf("http://%s/api/requests/%s/reject", s.Addr(), req.ID),
		s.Token(), map[string]string{"decided_by": "tester", "reason": "wrong project"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decided approval.Request
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decided))
	assert.Equal(t, approval.StateRejected, decided.State)
	assert.Equal(t, "wrong project", decided.Reason)
}

func TestGetUnknownRequest(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	resp := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/api/requests/nope", s.Addr()), s.Token(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, m := startTestServer(t)
	req := addPendingRequest(t, m)
	doRequest(t, http.MethodPost,
		fmt.Sprintf("http://%s/api/requests/%s/approve", s.Addr(), req.ID),
		s.Token(), nil)

	resp := doRequest(t, http.MethodGet, fmt.Sprintf("http://%s/metrics", s.Addr()), s.Token(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `shellgate_approval_decisions_total{verdict="approved"} 1`)
}

func TestEventStream(t *testing.T) {
	t.Parallel()

	s, m := startTestServer(t)
	addPendingRequest(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/api/events?token=%s", s.Addr(), s.Token()), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	for scanner.Scan() && len(events) < 2 {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	require.Len(t, events, 2)
	assert.Equal(t, "connected", events[0])
	assert.Equal(t, "initialData", events[1])
}

func TestStartRejectsNonLoopback(t *testing.T) {
	t.Parallel()

	m := approval.NewManager(logger.Discard, approval.ManagerOpts{})
	s, err := New(logger.Discard, m, WithAddr("0.0.0.0:0"))
	require.NoError(t, err)
	assert.Error(t, s.Start())
}

func TestURLCarriesToken(t *testing.T) {
	t.Parallel()

	s, _ := startTestServer(t)
	assert.Contains(t, s.URL(), s.Addr())
	assert.Contains(t, s.URL(), "?token="+s.Token())
}
