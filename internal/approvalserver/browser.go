package approvalserver

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/shellgate/shellgate/logger"
)

// OpenBrowser launches the system browser at url, detached so the service
// never inherits the browser's lifetime. Failures are logged, not fatal: the
// URL is always available for manual opening.
func OpenBrowser(l logger.Logger, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}
	l.Info("[ApprovalServer] Opened browser at %s", url)

	// Reap the launcher without blocking the caller.
	go cmd.Wait()
	return nil
}
