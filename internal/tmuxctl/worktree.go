package tmuxctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"companiond/internal/git"
)

// IsGitRepo reports whether dir is inside a git working tree.
func IsGitRepo(ctx context.Context, dir string) bool {
	return git.IsGitRepository(dir)
}

// CreateWorktree creates <repoDir>/.wg-worktrees/<branch>/ checked out on a
// fresh branch (auto-named when branch is empty) and returns the resulting
// path and branch name.
func CreateWorktree(ctx context.Context, repoDir, branch string) (Worktree, error) {
	repo, err := git.Open(repoDir)
	if err != nil {
		return Worktree{}, fmt.Errorf("create worktree: %w", err)
	}

	if branch == "" {
		branch = fmt.Sprintf("wg-auto-%d", time.Now().UnixNano())
	}
	if err := git.ValidateBranchName(branch); err != nil {
		return Worktree{}, fmt.Errorf("create worktree: %w", err)
	}

	worktreeDir := filepath.Join(repo.GetPath(), ".wg-worktrees")
	if err := os.MkdirAll(worktreeDir, 0o755); err != nil {
		return Worktree{}, fmt.Errorf("create worktree: mkdir %s: %w", worktreeDir, err)
	}

	path := filepath.Join(worktreeDir, branch)
	currentBranch, err := repo.CurrentBranch()
	if err != nil {
		return Worktree{}, fmt.Errorf("create worktree: resolve base branch: %w", err)
	}
	base := currentBranch
	if base == "" {
		base = "HEAD"
	}

	if err := repo.CreateWorktree(path, branch, base); err != nil {
		return Worktree{}, fmt.Errorf("create worktree: %w", err)
	}
	return Worktree{Path: path, Branch: branch}, nil
}

// RemoveWorktree removes the worktree at path. force allows removal with
// uncommitted changes.
func RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error {
	repo, err := git.Open(repoDir)
	if err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	if force {
		return repo.RemoveWorktreeForced(path)
	}
	return repo.RemoveWorktree(path)
}

// ListWorktrees returns every worktree known to the repository containing
// dir, including the main working copy.
func ListWorktrees(ctx context.Context, dir string) ([]git.WorktreeInfo, error) {
	repo, err := git.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return repo.ListWorktreesWithInfo()
}

// MergeBranch merges branch into the current checked-out branch of the
// repository at repoDir (the foreman's worktree) and returns the resulting
// merge commit sha.
func MergeBranch(ctx context.Context, repoDir, branch string) (string, error) {
	repo, err := git.Open(repoDir)
	if err != nil {
		return "", fmt.Errorf("merge branch: %w", err)
	}
	return repo.MergeBranch(branch)
}

// HasCommits reports whether the worktree at worktreeDir has committed
// anything since it forked from baseCommit.
func HasCommits(ctx context.Context, worktreeDir, baseCommit string) (bool, error) {
	repo, err := git.Open(worktreeDir)
	if err != nil {
		return false, fmt.Errorf("has commits: %w", err)
	}
	return repo.HasCommitsSince(baseCommit)
}

// HeadCommit returns the sha HEAD currently points to in the repository at
// dir.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	repo, err := git.Open(dir)
	if err != nil {
		return "", fmt.Errorf("head commit: %w", err)
	}
	return repo.HeadCommit()
}

// DeleteBranch removes a local branch. Invariant (owned by the caller): a
// worker's branch is deleted only after its worktree has already been
// removed, otherwise git refuses with "branch is checked out" and that error
// is returned wrapped with a note that the branch is still checked out.
func DeleteBranch(ctx context.Context, repoDir, branch string, force bool) error {
	repo, err := git.Open(repoDir)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	if err := repo.DeleteLocalBranch(branch, force); err != nil {
		if strings.Contains(err.Error(), "checked out") {
			return fmt.Errorf("delete branch %q: branch still checked out in a worktree: %w", branch, err)
		}
		return err
	}
	return nil
}
