// Package inject delivers user-typed input into a tmux pane. It never
// transforms or quotes the text; callers choose the target pane and are
// responsible for routing.
package inject

import (
	"context"
	"log/slog"

	"companiond/internal/tmuxctl"
)

// SendInput verifies the session exists, literal-sends text to its pane,
// pauses, then sends Enter. It returns whether both sends succeeded —
// never an error, since the daemon's callers only need a boolean outcome
// here and the detailed failure is already logged.
func SendInput(ctx context.Context, sessionName, text string) bool {
	if !tmuxctl.SessionExists(ctx, sessionName) {
		slog.Warn("[WARN-INJECT] send-input target session not found", "session", sessionName)
		return false
	}
	if err := tmuxctl.SendKeys(ctx, sessionName, text, true); err != nil {
		slog.Warn("[WARN-INJECT] send-input failed", "session", sessionName, "error", err)
		return false
	}
	return true
}
