package tmuxctl

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func withMockRunner(t *testing.T, fn func(ctx context.Context, args []string) ([]byte, string, error)) {
	t.Helper()
	orig := runner
	runner = fn
	t.Cleanup(func() { runner = orig })
}

func TestListSessions(t *testing.T) {
	withMockRunner(t, func(ctx context.Context, args []string) ([]byte, string, error) {
		out := "companion-proj-ab12\t1\t2\t/home/u/proj\t1\n" +
			"scratch\t0\t1\t/home/u/scratch\t\n"
		return []byte(out), "", nil
	})

	sessions, err := ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Name != "companion-proj-ab12" || !sessions[0].Attached || sessions[0].Windows != 2 {
		t.Errorf("unexpected first session: %+v", sessions[0])
	}
	if !sessions[0].Tagged {
		t.Error("expected first session tagged")
	}
	if sessions[1].Tagged {
		t.Error("expected second session untagged")
	}
}

func TestListSessions_NoServerIsNotError(t *testing.T) {
	withMockRunner(t, func(ctx context.Context, args []string) ([]byte, string, error) {
		return nil, "no server running on /tmp/tmux-0/default", fmt.Errorf("exit status 1")
	})

	sessions, err := ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if sessions != nil {
		t.Errorf("expected nil sessions, got %v", sessions)
	}
}

func TestSendKeys_LiteralThenEnter(t *testing.T) {
	var calls [][]string
	withMockRunner(t, func(ctx context.Context, args []string) ([]byte, string, error) {
		calls = append(calls, append([]string(nil), args...))
		return nil, "", nil
	})

	if err := SendKeys(context.Background(), "sess", "hello", true); err != nil {
		t.Fatalf("SendKeys() error = %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 tmux invocations (literal + Enter), got %d: %v", len(calls), calls)
	}
	if calls[0][0] != "send-keys" || !contains(calls[0], "-l") || !contains(calls[0], "hello") {
		t.Errorf("first call should be literal send-keys, got %v", calls[0])
	}
	if !contains(calls[1], "Enter") {
		t.Errorf("second call should send Enter, got %v", calls[1])
	}
}

func TestSendKeys_WithoutEnter(t *testing.T) {
	var calls int
	withMockRunner(t, func(ctx context.Context, args []string) ([]byte, string, error) {
		calls++
		return nil, "", nil
	})

	if err := SendKeys(context.Background(), "sess", "partial", false); err != nil {
		t.Fatalf("SendKeys() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 tmux invocation, got %d", calls)
	}
}

func TestCreateSession_TagsAndStartsCLI(t *testing.T) {
	var calls [][]string
	withMockRunner(t, func(ctx context.Context, args []string) ([]byte, string, error) {
		calls = append(calls, append([]string(nil), args...))
		return nil, "", nil
	})

	if err := CreateSession(context.Background(), "sess", "/tmp/proj", "claude"); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if calls[0][0] != "new-session" {
		t.Fatalf("expected new-session first, got %v", calls[0])
	}
	if calls[1][0] != "set-option" {
		t.Fatalf("expected tagging via set-option second, got %v", calls[1])
	}
	// Remaining calls are the literal send + Enter for the startCli command.
	found := false
	for _, c := range calls[2:] {
		if c[0] == "send-keys" && contains(c, "claude") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a send-keys call carrying the startCli command, calls=%v", calls)
	}
}

func TestGenerateSessionName(t *testing.T) {
	name := GenerateSessionName("/home/user/my Project")
	if !strings.HasPrefix(name, "companion-my-project-") {
		t.Errorf("GenerateSessionName() = %q, want prefix companion-my-project-", name)
	}
	suffix := strings.TrimPrefix(name, "companion-my-project-")
	if len(suffix) != 4 {
		t.Errorf("expected 4-char random suffix, got %q (len %d)", suffix, len(suffix))
	}
}

func TestCapturePane_FullScrollback(t *testing.T) {
	var gotArgs []string
	withMockRunner(t, func(ctx context.Context, args []string) ([]byte, string, error) {
		gotArgs = args
		return []byte("line1\nline2\n"), "", nil
	})

	out, err := CapturePane(context.Background(), "sess", 0, 0)
	if err != nil {
		t.Fatalf("CapturePane() error = %v", err)
	}
	if out != "line1\nline2" {
		t.Errorf("CapturePane() = %q", out)
	}
	if !contains(gotArgs, "-S") {
		t.Errorf("expected -S flag in args: %v", gotArgs)
	}
}

func contains(s []string, v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}
