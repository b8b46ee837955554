package tmuxctl

import (
	"context"
	"encoding/json"
	"fmt"

	"companiond/internal/wsserver"
)

// Controller answers the tmux verb group (§6), broadcasting
// tmux_sessions_changed whenever the live session set changes shape.
type Controller struct {
	hub   *wsserver.Hub
	saved *SessionConfigStore
}

// NewController constructs a Controller. saved may be nil, in which case
// no session is remembered and recreate_tmux_session always reports
// tmux-session-not-found.
func NewController(hub *wsserver.Hub, saved *SessionConfigStore) *Controller {
	return &Controller{hub: hub, saved: saved}
}

// RegisterHandlers wires the tmux verb group into hub.
func (tc *Controller) RegisterHandlers(hub *wsserver.Hub) {
	hub.Handle("list_tmux_sessions", tc.handleListSessions)
	hub.Handle("create_tmux_session", tc.handleCreateSession)
	hub.Handle("kill_tmux_session", tc.handleKillSession)
	hub.Handle("switch_tmux_session", tc.handleSwitchSession)
	hub.Handle("recreate_tmux_session", tc.handleRecreateSession)
	hub.Handle("create_worktree_session", tc.handleCreateWorktreeSession)
	hub.Handle("list_worktrees", tc.handleListWorktrees)
	hub.Handle("get_terminal_output", tc.handleGetTerminalOutput)
	hub.Handle("send_terminal_keys", tc.handleSendTerminalKeys)
}

type createSessionPayload struct {
	Name       string `json:"name,omitempty"`
	WorkingDir string `json:"workingDir"`
	StartCli   string `json:"startCli,omitempty"`
}

type sessionNamePayload struct {
	SessionName string `json:"sessionName"`
}

type recreateSessionPayload struct {
	SessionName string `json:"sessionName,omitempty"`
}

type createWorktreeSessionPayload struct {
	ParentDir string `json:"parentDir"`
	Branch    string `json:"branch,omitempty"`
	StartCli  string `json:"startCli,omitempty"`
}

type listWorktreesPayload struct {
	Dir string `json:"dir"`
}

type terminalOutputPayload struct {
	SessionName string `json:"sessionName"`
	Lines       int    `json:"lines,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

type terminalKeysPayload struct {
	SessionName string   `json:"sessionName"`
	Keys        []string `json:"keys"`
}

func (tc *Controller) handleListSessions(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	sessions, err := ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	tagged := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Tagged {
			tagged = append(tagged, s)
		}
	}
	return tagged, nil
}

func (tc *Controller) handleCreateSession(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p createSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.WorkingDir == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	name := p.Name
	if name == "" {
		name = GenerateSessionName(p.WorkingDir)
	}
	if err := CreateSession(ctx, name, p.WorkingDir, p.StartCli); err != nil {
		return nil, err
	}
	if tc.saved != nil {
		tc.saved.Remember(SavedSession{Name: name, WorkingDir: p.WorkingDir, StartCli: p.StartCli})
	}
	tc.broadcastSessionsChanged(ctx)
	return map[string]string{"name": name}, nil
}

func (tc *Controller) handleKillSession(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p sessionNamePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionName == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if err := KillSession(ctx, p.SessionName); err != nil {
		return nil, err
	}
	tc.broadcastSessionsChanged(ctx)
	return map[string]bool{"ok": true}, nil
}

func (tc *Controller) handleSwitchSession(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p sessionNamePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionName == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if !SessionExists(ctx, p.SessionName) {
		return nil, fmt.Errorf("tmux-session-not-found")
	}
	return map[string]bool{"ok": true}, nil
}

func (tc *Controller) handleRecreateSession(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p recreateSessionPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
		}
	}
	if tc.saved == nil || p.SessionName == "" {
		return nil, fmt.Errorf("tmux-session-not-found")
	}
	saved, ok := tc.saved.Get(p.SessionName)
	if !ok {
		return nil, fmt.Errorf("tmux-session-not-found")
	}
	if err := CreateSession(ctx, saved.Name, saved.WorkingDir, saved.StartCli); err != nil {
		return nil, err
	}
	tc.broadcastSessionsChanged(ctx)
	return map[string]string{"name": saved.Name}, nil
}

func (tc *Controller) handleCreateWorktreeSession(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p createWorktreeSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ParentDir == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	wt, err := CreateWorktree(ctx, p.ParentDir, p.Branch)
	if err != nil {
		return nil, err
	}
	name := GenerateSessionName(wt.Path)
	if err := CreateSession(ctx, name, wt.Path, p.StartCli); err != nil {
		return nil, err
	}
	if tc.saved != nil {
		tc.saved.Remember(SavedSession{Name: name, WorkingDir: wt.Path, StartCli: p.StartCli})
	}
	tc.broadcastSessionsChanged(ctx)
	return map[string]string{"name": name, "path": wt.Path, "branch": wt.Branch}, nil
}

func (tc *Controller) handleListWorktrees(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p listWorktreesPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Dir == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	return ListWorktrees(ctx, p.Dir)
}

func (tc *Controller) handleGetTerminalOutput(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p terminalOutputPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionName == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if !SessionExists(ctx, p.SessionName) {
		return nil, fmt.Errorf("tmux-session-not-found")
	}
	output, err := CapturePane(ctx, p.SessionName, p.Lines, p.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]string{"output": output}, nil
}

func (tc *Controller) handleSendTerminalKeys(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p terminalKeysPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionName == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if !SessionExists(ctx, p.SessionName) {
		return nil, fmt.Errorf("tmux-session-not-found")
	}
	if err := SendRawKeys(ctx, p.SessionName, p.Keys); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (tc *Controller) broadcastSessionsChanged(ctx context.Context) {
	sessions, err := ListSessions(ctx)
	if err != nil {
		return
	}
	tagged := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Tagged {
			tagged = append(tagged, s)
		}
	}
	tc.hub.Broadcast("tmux_sessions_changed", "", tagged)
}
