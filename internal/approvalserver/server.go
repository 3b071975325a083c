// Package approvalserver exposes the approval center: a token-authenticated
// HTTP API and browser UI bound to loopback, through which a human approves
// or rejects pending command executions.
package approvalserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shellgate/shellgate/internal/approval"
	"github.com/shellgate/shellgate/internal/queue"
	"github.com/shellgate/shellgate/logger"
)

// Server hosts the approval center on a loopback listener. The bind address
// defaults to an ephemeral port; the URL is only known after Start.
type Server struct {
	logger  logger.Logger
	manager *approval.Manager

	addr       string
	token      string
	queueStats func() (*queue.QueueStats, error)

	metrics  *metrics
	listener net.Listener
	httpSrv  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr overrides the default 127.0.0.1:0 bind address. Non-loopback
// addresses are rejected at Start.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithToken supplies a fixed auth token instead of a generated one.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithQueueStats provides the queue statistics source for the stats endpoint.
func WithQueueStats(fn func() (*queue.QueueStats, error)) Option {
	return func(s *Server) { s.queueStats = fn }
}

// New creates a Server. Start must be called before it serves anything.
func New(l logger.Logger, manager *approval.Manager, opts ...Option) (*Server, error) {
	s := &Server{
		logger:  l,
		manager: manager,
		addr:    "127.0.0.1:0",
		metrics: newMetrics(),
	}
	for _, o := range opts {
		o(s)
	}

	if s.token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		s.token = token
	}
	return s, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("parsing bind address %q: %w", s.addr, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("approval center only binds to loopback, got %q", host)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[ApprovalServer] Serve: %v", err)
		}
	}()

	s.logger.Info("[ApprovalServer] Approval center listening on %s", ln.Addr())
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Token returns the auth token.
func (s *Server) Token() string {
	return s.token
}

// URL returns the browser entry point including the one-shot token query
// parameter. The UI switches to header auth immediately after loading.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s/?token=%s", s.Addr(), s.token)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(LoggerMiddleware(s.logger))
	r.Use(SecurityHeadersMiddleware())

	// Liveness needs no token so wrappers can probe before they have one.
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.token, s.logger))

		r.Get("/", s.handleIndex)
		r.Get("/metrics", s.metrics.handler().ServeHTTP)

		r.Route("/api", func(r chi.Router) {
			r.Get("/requests/pending", s.handlePending)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Post("/requests/{id}/approve", s.handleApprove)
			r.Post("/requests/{id}/reject", s.handleReject)
			r.Get("/stats", s.handleStats)
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, errorResponse{Error: err, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": s.manager.Pending(),
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decideBody struct {
	DecidedBy      string `json:"decidedBy"`
	DecidedBySnake string `json:"decided_by"`
	Reason         string `json:"reason"`
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approved bool) {
	var body decideBody
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	if body.DecidedBy == "" {
		body.DecidedBy = body.DecidedBySnake
	}
	if body.DecidedBy == "" {
		body.DecidedBy = "approval-center"
	}

	req, err := s.manager.Decide(chi.URLParam(r, "id"), approval.Decision{
		Approved:  approved,
		DecidedBy: body.DecidedBy,
		Reason:    body.Reason,
	})
	switch {
	case errors.Is(err, approval.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "Not Found", err.Error())
		return
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, "Conflict", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}

	s.metrics.recordDecision(approved)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"approvals": s.manager.Stats(),
	}
	if s.queueStats != nil {
		if qs, err := s.queueStats(); err == nil {
			resp["queue"] = qs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
