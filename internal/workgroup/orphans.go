package workgroup

import (
	"context"
	"fmt"
	"strings"

	"companiond/internal/tmuxctl"
)

// OrphanedWorktree describes a work-group worktree on disk with no matching
// in-memory Worker, left behind by a daemon restart mid-operation (the
// resolution to the work-group crash-recovery question: document the leak
// and let an operator clean it up by hand rather than attempt silent
// recovery of state the manager never persisted).
type OrphanedWorktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// ListOrphanedWorktrees returns every "wg-"-prefixed worktree under
// parentDir's worktree directory that no tracked WorkGroup's worker
// currently owns.
func (m *Manager) ListOrphanedWorktrees(ctx context.Context, parentDir string) ([]OrphanedWorktree, error) {
	worktrees, err := tmuxctl.ListWorktrees(ctx, parentDir)
	if err != nil {
		return nil, fmt.Errorf("list orphaned worktrees: %w", err)
	}

	known := make(map[string]bool)
	m.mu.RLock()
	for _, g := range m.groups {
		for _, w := range g.Workers {
			known[w.WorktreePath] = true
		}
	}
	m.mu.RUnlock()

	var orphans []OrphanedWorktree
	for _, wt := range worktrees {
		if wt.IsMain || known[wt.Path] {
			continue
		}
		if !strings.HasPrefix(wt.Branch, "wg-") {
			continue
		}
		orphans = append(orphans, OrphanedWorktree{Path: wt.Path, Branch: wt.Branch})
	}
	return orphans, nil
}
