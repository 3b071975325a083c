package session

import (
	"context"
	"time"

	"github.com/shellgate/shellgate/internal/approval"
	"github.com/shellgate/shellgate/internal/approvalserver"
)

// ApprovalCenter describes the running approval server.
type ApprovalCenter struct {
	URL     string `json:"url"`
	Addr    string `json:"addr"`
	Running bool   `json:"running"`
}

// LaunchApprovalCenter starts the approval server if needed and opens the
// browser. With forceRestart the current server is torn down first, which
// rotates the auth token.
func (s *Session) LaunchApprovalCenter(forceRestart, openBrowser bool) (*ApprovalCenter, error) {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()

	if s.server != nil && forceRestart {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.server.Stop(ctx)
		cancel()
		s.server = nil
	}

	if s.server == nil {
		srv, err := approvalserver.New(s.logger, s.manager,
			approvalserver.WithQueueStats(s.store.Stats),
		)
		if err != nil {
			return nil, err
		}
		if err := srv.Start(); err != nil {
			return nil, err
		}
		s.server = srv
	}

	if openBrowser {
		if err := approvalserver.OpenBrowser(s.logger, s.server.URL()); err != nil {
			s.logger.Warn("[Session] %v; open %s manually", err, s.server.URL())
		}
	}

	return &ApprovalCenter{
		URL:     s.server.URL(),
		Addr:    s.server.Addr(),
		Running: true,
	}, nil
}

// ApprovalStatus reports pending approvals and, when the approval center is
// up, where to decide them.
type ApprovalStatus struct {
	Pending []approval.Request `json:"pending"`
	Stats   approval.Stats     `json:"stats"`
	Center  *ApprovalCenter    `json:"center,omitempty"`
}

func (s *Session) GetApprovalStatus() *ApprovalStatus {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()

	st := &ApprovalStatus{
		Pending: s.manager.Pending(),
		Stats:   s.manager.Stats(),
	}
	if s.server != nil {
		st.Center = &ApprovalCenter{
			URL:     s.server.URL(),
			Addr:    s.server.Addr(),
			Running: true,
		}
	}
	return st
}
