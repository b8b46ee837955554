package workgroup

import (
	"context"
	"log/slog"
	"time"

	"companiond/internal/conversation"
	"companiond/internal/tmuxctl"
	"companiond/internal/watcher"
)

// pollOnce binds newly-discovered conversations to their worker and
// refreshes every bound worker's status from its conversation's latest
// status, per the lifecycle rule in the component design: a worker mirrors
// its conversation's status, except completed requires both the CLI's
// completion marker and at least one git commit on the worker's branch.
func (m *Manager) pollOnce(ctx context.Context) {
	if m.finder == nil {
		return
	}
	snapshots := m.finder.Snapshots()
	byWorkingDir := make(map[string]watcher.Snapshot, len(snapshots))
	for _, s := range snapshots {
		byWorkingDir[s.WorkingDir] = s
	}

	m.mu.Lock()
	groups := make([]*WorkGroup, 0, len(m.groups))
	for _, g := range m.groups {
		if g.Status == StatusActive {
			groups = append(groups, g)
		}
	}
	m.mu.Unlock()

	for _, group := range groups {
		changed := false
		for _, worker := range group.Workers {
			if m.updateWorker(ctx, worker, byWorkingDir) {
				changed = true
			}
		}
		if changed {
			m.mu.Lock()
			group.UpdatedAt = time.Now()
			m.mu.Unlock()
			m.emit(group)
		}
	}
}

// updateWorker refreshes worker's status from snap, per the switch below.
// Field reads and writes are serialized under m.mu so they never race with
// Get/List's clone() or a concurrent merge, but the lock is released around
// the HasCommits shell-out (the StatusIdle/completion-marker branch) so a
// slow git invocation never blocks every other Manager call.
func (m *Manager) updateWorker(ctx context.Context, worker *Worker, byWorkingDir map[string]watcher.Snapshot) bool {
	m.mu.Lock()
	if worker.Status == WorkerCompleted || worker.Status == WorkerError || worker.WorktreePath == "" {
		m.mu.Unlock()
		return false
	}
	if worker.ConversationID == "" {
		snap, ok := byWorkingDir[worker.WorktreePath]
		if !ok {
			m.mu.Unlock()
			return false
		}
		worker.ConversationID = snap.SessionID
	}
	snap, ok := byWorkingDir[worker.WorktreePath]
	if !ok {
		m.mu.Unlock()
		return false
	}
	before := worker.Status
	worktreePath := worker.WorktreePath
	baseCommit := worker.baseCommit

	needsCommitCheck := snap.Status == conversation.StatusIdle && sawCompletionMarker(snap.LastMessage)
	if !needsCommitCheck {
		switch snap.Status {
		case conversation.StatusWaiting:
			worker.Status = WorkerWaiting
			if snap.LastMessage != nil {
				worker.LastQuestion = &Question{Text: snap.LastMessage.Text}
			}
		case conversation.StatusError:
			worker.Status = WorkerError
			if snap.LastMessage != nil {
				worker.Error = snap.LastMessage.Text
			}
		case conversation.StatusWorking:
			worker.Status = WorkerWorking
		case conversation.StatusIdle:
			worker.Status = WorkerWorking
		}
		changed := worker.Status != before
		m.mu.Unlock()
		return changed
	}
	m.mu.Unlock()

	base := baseCommit
	if base == "" {
		base = "HEAD"
	}
	hasCommits, err := tmuxctl.HasCommits(ctx, worktreePath, base)
	if err != nil {
		slog.Debug("[DEBUG-WORKGROUP] HasCommits check failed", "worktree", worktreePath, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if hasCommits {
		worker.Status = WorkerCompleted
	} else {
		worker.Status = WorkerWorking
	}
	return worker.Status != before
}

func sawCompletionMarker(last *conversation.Message) bool {
	if last == nil || last.Kind != conversation.KindSystemNotice {
		return false
	}
	return containsFold(last.Text, completionMarker)
}

func containsFold(haystack, needle string) bool {
	h := []rune(haystack)
	n := []rune(needle)
	if len(n) == 0 || len(n) > len(h) {
		return false
	}
	lower := func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r - 'A' + 'a'
		}
		return r
	}
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if lower(h[i+j]) != lower(n[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
