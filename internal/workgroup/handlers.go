package workgroup

import (
	"context"
	"encoding/json"
	"fmt"

	"companiond/internal/wsserver"
)

// spawnPayload mirrors spawn_work_group's wire payload.
type spawnPayload struct {
	Name               string       `json:"name"`
	ForemanSessionID   string       `json:"foremanSessionId"`
	ForemanTmuxSession string       `json:"foremanTmuxSession"`
	ParentDir          string       `json:"parentDir"`
	PlanFile           string       `json:"planFile,omitempty"`
	Workers            []WorkerSpec `json:"workers"`
}

type groupIDPayload struct {
	GroupID string `json:"groupId"`
}

type workerActionPayload struct {
	GroupID  string `json:"groupId"`
	WorkerID string `json:"workerId"`
}

type sendWorkerInputPayload struct {
	GroupID  string `json:"groupId"`
	WorkerID string `json:"workerId"`
	Text     string `json:"text"`
}

type orphanedWorktreesPayload struct {
	ParentDir string `json:"parentDir"`
}

// RegisterHandlers wires every work-group verb into hub. The manager never
// imports wsserver.Hub's concrete type anywhere except here, so this is the
// one seam that couples the two packages together.
func (m *Manager) RegisterHandlers(hub *wsserver.Hub) {
	hub.Handle("spawn_work_group", m.handleSpawn)
	hub.Handle("get_work_groups", m.handleGetWorkGroups)
	hub.Handle("get_work_group", m.handleGetWorkGroup)
	hub.Handle("merge_work_group", m.handleMerge)
	hub.Handle("cancel_work_group", m.handleCancel)
	hub.Handle("retry_worker", m.handleRetry)
	hub.Handle("send_worker_input", m.handleSendWorkerInput)
	hub.Handle("dismiss_work_group", m.handleDismiss)
	hub.Handle("list_orphaned_worktrees", m.handleListOrphaned)
}

func (m *Manager) handleSpawn(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p spawnPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	return m.Create(ctx, p.Name, p.ForemanSessionID, p.ForemanTmuxSession, p.ParentDir, p.PlanFile, p.Workers)
}

func (m *Manager) handleGetWorkGroups(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	return m.List(), nil
}

func (m *Manager) handleGetWorkGroup(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p groupIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	group, ok := m.Get(p.GroupID)
	if !ok {
		return nil, fmt.Errorf("%s", wsserver.ErrNotFound)
	}
	return group, nil
}

func (m *Manager) handleMerge(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p groupIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	return m.Merge(ctx, p.GroupID)
}

func (m *Manager) handleCancel(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p groupIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	return m.Cancel(ctx, p.GroupID)
}

func (m *Manager) handleRetry(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p workerActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	return m.Retry(ctx, p.GroupID, p.WorkerID)
}

func (m *Manager) handleSendWorkerInput(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p sendWorkerInputPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if err := m.SendWorkerInput(ctx, p.GroupID, p.WorkerID, p.Text); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (m *Manager) handleDismiss(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p groupIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if err := m.Dismiss(p.GroupID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (m *Manager) handleListOrphaned(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p orphanedWorktreesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	return m.ListOrphanedWorktrees(ctx, p.ParentDir)
}
