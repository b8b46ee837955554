package tmuxctl

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const listSessionsFormat = "#{session_name}\t#{session_attached}\t#{session_windows}\t#{pane_current_path}\t#{@companiond_tagged}"

// sessionNameCharset is used by GenerateSessionName for the random suffix.
// tmux rejects '.' and ':' in session names, so the charset stays
// alphanumeric only.
const sessionNameCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// ListSessions enumerates every tmux session on the default server,
// including ones the daemon did not create. Only tagged sessions are
// surfaced to clients by higher layers; ListSessions itself reports every
// session so the caller can offer "adopt" (tagSession) on untagged ones.
func ListSessions(ctx context.Context) ([]Session, error) {
	out, err := run(ctx, ShortTimeout, "list-sessions", "-F", listSessionsFormat)
	if err != nil {
		if strings.Contains(err.Error(), "no server running") || strings.Contains(err.Error(), "no current session") {
			return nil, nil
		}
		return nil, err
	}

	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			continue
		}
		windows, _ := strconv.Atoi(fields[2])
		sess := Session{
			Name:       fields[0],
			Attached:   fields[1] == "1",
			Windows:    windows,
			WorkingDir: fields[3],
		}
		if len(fields) >= 5 {
			sess.Tagged = fields[4] == "1"
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// SessionExists reports whether a session with the given name is currently
// alive on the tmux server.
func SessionExists(ctx context.Context, name string) bool {
	_, err := run(ctx, ShortTimeout, "has-session", "-t", name)
	return err == nil
}

// CreateSession creates a detached session rooted at workingDir, tags it as
// companion-owned, and optionally sends a literal command to start the
// coding CLI once the shell has settled.
func CreateSession(ctx context.Context, name, workingDir string, startCli string) error {
	if _, err := run(ctx, ShortTimeout, "new-session", "-d", "-s", name, "-c", workingDir); err != nil {
		return fmt.Errorf("create session %q: %w", name, err)
	}
	if err := TagSession(ctx, name); err != nil {
		return err
	}
	if startCli != "" {
		if err := SendKeys(ctx, name, startCli, true); err != nil {
			return fmt.Errorf("create session %q: start CLI: %w", name, err)
		}
	}
	return nil
}

// KillSession destroys a tmux session. Killing a session that does not
// exist is not an error (idempotent, matching the caller's typical
// cleanup-then-verify usage).
func KillSession(ctx context.Context, name string) error {
	if !SessionExists(ctx, name) {
		return nil
	}
	_, err := run(ctx, ShortTimeout, "kill-session", "-t", name)
	return err
}

// TagSession marks a pre-existing session as companion-owned (adoption).
// Tagging is implemented as a tmux session option rather than an
// environment variable so that ListSessions can read it directly via a
// format string without a second round trip per session.
func TagSession(ctx context.Context, name string) error {
	_, err := run(ctx, ShortTimeout, "set-option", "-t", name, "@companiond_tagged", "1")
	if err != nil {
		return fmt.Errorf("tag session %q: %w", name, err)
	}
	return nil
}

// CapturePane snapshots recent terminal output from a session's active
// pane. lines <= 0 requests the full available scrollback; offset shifts
// the starting line further back into history.
func CapturePane(ctx context.Context, name string, lines, offset int) (string, error) {
	args := []string{"capture-pane", "-t", name, "-p"}
	if lines > 0 {
		start := -(lines + offset)
		args = append(args, "-S", strconv.Itoa(start))
		if offset > 0 {
			args = append(args, "-E", strconv.Itoa(-offset-1))
		}
	} else {
		args = append(args, "-S", "-")
	}
	out, err := run(ctx, ShortTimeout, args...)
	if err != nil {
		return "", fmt.Errorf("capture pane %q: %w", name, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// SendKeys delivers literal text to a session's pane using tmux's
// literal-send flag, so no shell interpretation occurs. When enter is true
// it follows with an Enter keystroke after the mandatory 100ms settle
// delay, per the daemon's "literal-send then Enter" contract.
func SendKeys(ctx context.Context, name, literal string, enter bool) error {
	if _, err := run(ctx, ShortTimeout, "send-keys", "-t", name, "-l", "--", literal); err != nil {
		return fmt.Errorf("send-keys %q: %w", name, err)
	}
	if !enter {
		return nil
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return fmt.Errorf("send-keys %q: %w", name, ctx.Err())
	}
	if _, err := run(ctx, ShortTimeout, "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("send-keys %q: enter: %w", name, err)
	}
	return nil
}

// SendRawKeys sends symbolic key sequences (e.g. "C-c", "Up") without the
// literal-send flag, so tmux's own key-name parsing applies.
func SendRawKeys(ctx context.Context, name string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := append([]string{"send-keys", "-t", name}, keys...)
	if _, err := run(ctx, ShortTimeout, args...); err != nil {
		return fmt.Errorf("send-raw-keys %q: %w", name, err)
	}
	return nil
}

// GenerateSessionName produces a session name of the form
// companion-<basename>-<4-random-chars>, sanitized so tmux accepts it
// (no '.' or ':' separators).
func GenerateSessionName(dir string) string {
	base := sanitizeSessionComponent(filepath.Base(dir))
	if base == "" {
		base = "session"
	}
	return fmt.Sprintf("companion-%s-%s", base, randomSuffix(4))
}

func sanitizeSessionComponent(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failures are effectively unrecoverable system issues;
		// fall back to a time-derived suffix rather than erroring a pure
		// name-generation helper.
		now := time.Now().UnixNano()
		for i := range buf {
			buf[i] = sessionNameCharset[int(now>>(i*4))%len(sessionNameCharset)]
		}
		return string(buf)
	}
	for i, b := range buf {
		buf[i] = sessionNameCharset[int(b)%len(sessionNameCharset)]
	}
	return string(buf)
}
