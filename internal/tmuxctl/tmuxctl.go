// Package tmuxctl is a thin, stateless wrapper over the tmux CLI. It never
// holds a pty of its own; every operation shells out to the real "tmux"
// binary found on $PATH, the way internal/git shells out to "git".
package tmuxctl

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Shell-out timeout tiers, per the daemon's concurrency model: short
// queries get the tightest bound, worktree creation a looser one, and
// post-create tasks (starting the coding CLI, writing a prompt file) the
// loosest.
const (
	ShortTimeout      = 5 * time.Second
	WorktreeTimeout   = 30 * time.Second
	PostCreateTimeout = 120 * time.Second
)

// markerEnvVar is not set on any session. A session is "tagged" when it
// carries the @companiond_tagged tmux session option (see TagSession and
// listSessionsFormat), not an environment variable — only tagged sessions
// are listed, broadcast to clients and counted in the server summary.
const markerEnvVar = "COMPANIOND_TAGGED"

// maxConcurrentTmuxCommands bounds parallel tmux invocations the same way
// internal/git bounds concurrent git processes: tmux serializes access to
// its server socket internally, so unbounded concurrency just queues up
// client processes without buying real parallelism.
const maxConcurrentTmuxCommands = 4

var tmuxSemaphore = make(chan struct{}, maxConcurrentTmuxCommands)

// ErrTimeout is returned (wrapped) when a tmux invocation exceeds its
// allotted timeout tier.
var ErrTimeout = fmt.Errorf("tmux: command timed out")

type commandRunner func(ctx context.Context, args []string) ([]byte, string, error)

var runner commandRunner = defaultCommandRunner

func defaultCommandRunner(ctx context.Context, args []string) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	cmd.Env = localeNeutralEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.String(), err
}

func localeNeutralEnv(base []string) []string {
	env := append([]string(nil), base...)
	env = upsertEnv(env, "LC_ALL", "C")
	env = upsertEnv(env, "LANG", "C")
	return env
}

func upsertEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// run executes a tmux subcommand with the given timeout tier, enforcing the
// process-wide concurrency cap and returning a distinguished timeout error
// when the context deadline is hit.
func run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case tmuxSemaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("tmux %s: semaphore wait: %w", firstArg(args), ctx.Err())
	}
	defer func() { <-tmuxSemaphore }()

	start := time.Now()
	stdout, stderrText, err := runner(ctx, args)
	slog.Debug("[DEBUG-TMUX] command completed",
		"args", args, "duration_ms", time.Since(start).Milliseconds())

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("tmux %s: %w", firstArg(args), ErrTimeout)
		}
		msg := strings.TrimSpace(stderrText)
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("tmux %s failed: %s", firstArg(args), msg)
	}
	return stdout, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return "<empty>"
	}
	return args[0]
}
