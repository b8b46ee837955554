package workgroup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"companiond/internal/inject"
	"companiond/internal/tmuxctl"
	"companiond/internal/watcher"
)

const (
	discoverInterval = 2 * time.Second
	completionMarker = "task completed"
)

// Broadcaster is the subset of wsserver.Hub the manager needs. Matching the
// watcher's "never name the hub" design, the manager is handed this
// interface by main rather than importing wsserver directly.
type Broadcaster interface {
	Broadcast(msgType, sessionID string, payload any)
}

// ConversationFinder is the subset of watcher.Watcher the manager polls to
// discover and track each worker's bound conversation.
type ConversationFinder interface {
	Snapshots() []watcher.Snapshot
}

// Manager owns every in-memory WorkGroup. It is not a durable task queue:
// state lives only in the process, and a daemon restart mid-merge is
// reported back to the operator as an error rather than resumed (invariant
// (c) of the component's design).
type Manager struct {
	mu         sync.RWMutex
	groups     map[string]*WorkGroup
	broadcast  Broadcaster
	finder     ConversationFinder
	cancelPoll context.CancelFunc
}

// NewManager constructs a Manager. broadcast and finder may be nil in
// tests that only exercise pure state transitions.
func NewManager(broadcast Broadcaster, finder ConversationFinder) *Manager {
	return &Manager{
		groups:    make(map[string]*WorkGroup),
		broadcast: broadcast,
		finder:    finder,
	}
}

// Run starts the background conversation-discovery poll loop. It returns
// once ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(discoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) emit(group *WorkGroup) {
	if m.broadcast == nil {
		return
	}
	m.broadcast.Broadcast("work_group_update", "", group.clone())
}

// Get returns a defensive copy of one work group.
func (m *Manager) Get(groupID string) (*WorkGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// List returns defensive copies of every tracked work group.
func (m *Manager) List() []*WorkGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WorkGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.clone())
	}
	return out
}

// Create spawns one worktree, branch, and tagged tmux session per worker,
// and injects each worker's initial prompt. Workers that fail to spawn are
// recorded with status error rather than aborting the whole batch, so a
// caller always gets back a group with every requested worker represented.
func (m *Manager) Create(ctx context.Context, name, foremanSessionID, foremanTmuxSession, parentDir, planFile string, specs []WorkerSpec) (*WorkGroup, error) {
	if parentDir == "" {
		return nil, fmt.Errorf("create work group: parentDir is required")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("create work group: at least one worker is required")
	}

	group := &WorkGroup{
		ID:                 uuid.NewString(),
		Name:               name,
		ForemanSessionID:   foremanSessionID,
		ForemanTmuxSession: foremanTmuxSession,
		ParentDir:          parentDir,
		PlanFile:           planFile,
		MergeStrategy:      MergeAbortOnConflict,
		Status:             StatusActive,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}

	groupSlug := slugify(name)
	for _, spec := range specs {
		worker := m.spawnWorker(ctx, groupSlug, parentDir, spec)
		group.Workers = append(group.Workers, worker)
	}

	m.mu.Lock()
	m.groups[group.ID] = group
	m.mu.Unlock()

	m.emit(group)
	return group.clone(), nil
}

func (m *Manager) spawnWorker(ctx context.Context, groupSlug, parentDir string, spec WorkerSpec) *Worker {
	taskSlug := slugify(spec.TaskSlug)
	branch := fmt.Sprintf("wg-%s-%s", groupSlug, taskSlug)
	worker := &Worker{
		ID:          uuid.NewString(),
		TaskSlug:    taskSlug,
		TaskDesc:    spec.TaskDesc,
		PlanSection: spec.PlanSection,
		Files:       spec.Files,
		Branch:      branch,
		Status:      WorkerSpawning,
	}

	wt, err := tmuxctl.CreateWorktree(ctx, parentDir, branch)
	if err != nil {
		worker.Status = WorkerError
		worker.Error = err.Error()
		slog.Warn("[WARN-WORKGROUP] create worktree failed", "branch", branch, "error", err)
		return worker
	}
	worker.WorktreePath = wt.Path

	if sha, err := tmuxctl.HeadCommit(ctx, wt.Path); err != nil {
		slog.Debug("[DEBUG-WORKGROUP] HeadCommit failed, completion check will treat any commit as new", "worktree", wt.Path, "error", err)
	} else {
		worker.baseCommit = sha
	}

	sessionName := tmuxctl.GenerateSessionName(wt.Path)
	startCli := spec.StartCli
	if err := tmuxctl.CreateSession(ctx, sessionName, wt.Path, startCli); err != nil {
		worker.Status = WorkerError
		worker.Error = err.Error()
		slog.Warn("[WARN-WORKGROUP] create worker session failed", "session", sessionName, "error", err)
		return worker
	}
	worker.TmuxSession = sessionName

	prompt := workerPrompt(spec)
	if ok := inject.SendInput(ctx, sessionName, prompt); !ok {
		slog.Warn("[WARN-WORKGROUP] initial prompt injection failed", "session", sessionName)
	}

	worker.Status = WorkerWorking
	return worker
}

func workerPrompt(spec WorkerSpec) string {
	prompt := spec.TaskDesc
	if len(spec.Files) > 0 {
		prompt += "\n\nFiles in scope:\n"
		for _, f := range spec.Files {
			prompt += "- " + f + "\n"
		}
	}
	return prompt
}

// Cancel kills every worker's tmux session, removes its worktree, deletes
// its branch, and marks the group cancelled.
func (m *Manager) Cancel(ctx context.Context, groupID string) (*WorkGroup, error) {
	m.mu.Lock()
	group, ok := m.groups[groupID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("cancel work group: group %q not found", groupID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, worker := range group.Workers {
		m.teardownWorker(ctx, group, worker)
	}
	group.Status = StatusCancelled
	group.UpdatedAt = time.Now()
	m.emit(group)
	return group.clone(), nil
}

// teardownWorker kills the worker's session, then removes its worktree
// before deleting its branch (invariant (b): worktree removal must precede
// branch deletion to avoid a dangling worktree reference in git's metadata).
func (m *Manager) teardownWorker(ctx context.Context, group *WorkGroup, worker *Worker) {
	if worker.TmuxSession != "" {
		if err := tmuxctl.KillSession(ctx, worker.TmuxSession); err != nil {
			slog.Warn("[WARN-WORKGROUP] kill worker session failed", "session", worker.TmuxSession, "error", err)
		}
	}
	if worker.WorktreePath != "" {
		if err := tmuxctl.RemoveWorktree(ctx, group.ParentDir, worker.WorktreePath, true); err != nil {
			slog.Warn("[WARN-WORKGROUP] remove worktree failed", "path", worker.WorktreePath, "error", err)
		}
	}
	if worker.Branch != "" {
		if err := tmuxctl.DeleteBranch(ctx, group.ParentDir, worker.Branch, true); err != nil {
			slog.Warn("[WARN-WORKGROUP] delete worker branch failed", "branch", worker.Branch, "error", err)
		}
	}
}

// Dismiss removes a terminal (completed or cancelled) group from the
// in-memory list.
func (m *Manager) Dismiss(groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("dismiss work group: group %q not found", groupID)
	}
	if group.Status != StatusCompleted && group.Status != StatusCancelled {
		return fmt.Errorf("dismiss work group: group %q is %s, must be completed or cancelled", groupID, group.Status)
	}
	delete(m.groups, groupID)
	return nil
}

// SendWorkerInput routes text to the worker's tmux pane, updates its
// activity timestamp, and clears any pending question.
func (m *Manager) SendWorkerInput(ctx context.Context, groupID, workerID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("send worker input: group %q not found", groupID)
	}
	worker := findWorker(group, workerID)
	if worker == nil {
		return fmt.Errorf("send worker input: worker %q not found", workerID)
	}
	if !inject.SendInput(ctx, worker.TmuxSession, text) {
		return fmt.Errorf("send worker input: delivery to session %q failed", worker.TmuxSession)
	}
	worker.LastActivity = time.Now().Format(time.RFC3339)
	worker.LastQuestion = nil
	m.emit(group)
	return nil
}

func findWorker(group *WorkGroup, workerID string) *Worker {
	for _, w := range group.Workers {
		if w.ID == workerID {
			return w
		}
	}
	return nil
}

func slugify(s string) string {
	out := make([]rune, 0, len(s))
	lastDash := false
	for _, r := range []rune(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
			lastDash = false
		case r >= 'A' && r <= 'Z':
			out = append(out, r-'A'+'a')
			lastDash = false
		case !lastDash && len(out) > 0:
			out = append(out, '-')
			lastDash = true
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return "task"
	}
	return string(out)
}
