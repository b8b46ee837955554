package workgroup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"companiond/internal/tmuxctl"
)

// Merge transitions the group to merging, then merges every completed
// worker's branch into the foreman's checked-out branch in parentDir. Under
// MergeAbortOnConflict (the default) the first conflicting worker stops the
// whole operation and the group lands in error; workers already merged
// before the conflict are not rolled back, matching the documented
// partial-merge contract. Under MergeContinueOnConflict every mergeable
// worker lands and only the conflicting ones are marked error.
func (m *Manager) Merge(ctx context.Context, groupID string) (*WorkGroup, error) {
	m.mu.Lock()
	group, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("merge work group: group %q not found", groupID)
	}
	group.Status = StatusMerging
	group.UpdatedAt = time.Now()
	m.emit(group)
	toMerge := make([]*Worker, 0, len(group.Workers))
	for _, worker := range group.Workers {
		if worker.Status == WorkerCompleted {
			toMerge = append(toMerge, worker)
		}
	}
	m.mu.Unlock()

	var lastCommit string
	var conflicted bool
	for _, worker := range toMerge {
		sha, err := tmuxctl.MergeBranch(ctx, group.ParentDir, worker.Branch)
		if err != nil {
			slog.Warn("[WARN-WORKGROUP] merge worker branch failed", "branch", worker.Branch, "error", err)
			m.mu.Lock()
			worker.Status = WorkerError
			worker.Error = err.Error()
			m.mu.Unlock()
			conflicted = true
			if group.MergeStrategy == MergeAbortOnConflict {
				break
			}
			continue
		}
		lastCommit = sha
		m.teardownWorkerAfterMerge(ctx, group, worker)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	group.UpdatedAt = time.Now()
	if conflicted {
		group.Status = StatusError
		group.Error = "partial merge: one or more worker branches failed to merge cleanly"
	} else {
		group.Status = StatusCompleted
		group.MergeCommit = lastCommit
	}
	m.emit(group)
	return group.clone(), nil
}

// teardownWorkerAfterMerge removes a successfully-merged worker's worktree
// before deleting its branch, same ordering invariant as teardownWorker.
func (m *Manager) teardownWorkerAfterMerge(ctx context.Context, group *WorkGroup, worker *Worker) {
	if err := tmuxctl.KillSession(ctx, worker.TmuxSession); err != nil {
		slog.Warn("[WARN-WORKGROUP] kill merged worker session failed", "session", worker.TmuxSession, "error", err)
	}
	if err := tmuxctl.RemoveWorktree(ctx, group.ParentDir, worker.WorktreePath, false); err != nil {
		slog.Warn("[WARN-WORKGROUP] remove merged worktree failed", "path", worker.WorktreePath, "error", err)
	}
	if err := tmuxctl.DeleteBranch(ctx, group.ParentDir, worker.Branch, false); err != nil {
		slog.Warn("[WARN-WORKGROUP] delete merged worker branch failed", "branch", worker.Branch, "error", err)
	}
}

// Retry recreates a failed worker's worktree, branch, and session, and
// re-injects its original prompt. Only valid when the worker is in status
// error.
func (m *Manager) Retry(ctx context.Context, groupID, workerID string) (*WorkGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("retry worker: group %q not found", groupID)
	}
	worker := findWorker(group, workerID)
	if worker == nil {
		return nil, fmt.Errorf("retry worker: worker %q not found", workerID)
	}
	if worker.Status != WorkerError {
		return nil, fmt.Errorf("retry worker: worker %q is %s, must be error", workerID, worker.Status)
	}

	m.teardownWorker(ctx, group, worker)
	spec := WorkerSpec{
		TaskSlug:    worker.TaskSlug,
		TaskDesc:    worker.TaskDesc,
		PlanSection: worker.PlanSection,
		Files:       worker.Files,
		StartCli:    "",
	}
	groupSlug := slugify(group.Name)
	refreshed := m.spawnWorker(ctx, groupSlug, group.ParentDir, spec)
	refreshed.ID = worker.ID
	refreshed.Status = WorkerWorking

	for i, w := range group.Workers {
		if w.ID == workerID {
			group.Workers[i] = refreshed
			break
		}
	}
	group.UpdatedAt = time.Now()
	m.emit(group)
	return group.clone(), nil
}
