package inject

import (
	"context"
	"testing"
)

// These tests exercise the pure decision logic around tmux availability.
// SendInput shells out directly (it has no dependency-injection seam of its
// own — that lives in tmuxctl, already covered there); without a tmux binary
// on PATH the session lookup fails, so the expected result is the same.
func TestSendInput_MissingSessionReturnsFalse(t *testing.T) {
	ok := SendInput(context.Background(), "companion-definitely-not-a-real-session-xyz", "hello")
	if ok {
		t.Error("expected SendInput to report failure for a nonexistent session")
	}
}
