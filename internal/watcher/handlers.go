package watcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"companiond/internal/inject"
	"companiond/internal/tmuxctl"
	"companiond/internal/wsserver"
)

type highlightsPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

type tasksPayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

type switchSessionPayload struct {
	SessionID string `json:"sessionId"`
	Epoch     int64  `json:"epoch,omitempty"`
}

type sendInputPayload struct {
	Input     string `json:"input"`
	SessionID string `json:"sessionId,omitempty"`
}

type sendImagePayload struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimeType"`
}

type sendWithImagesPayload struct {
	ImagePaths []string `json:"imagePaths"`
	Message    string   `json:"message"`
}

// RegisterHandlers wires the snapshot and conversation-action verbs (§6)
// into hub. resolveSession maps an empty sessionId to the hub's
// process-wide active conversation, matching the legacy single-pane client
// contract; the daemon's tmux session lookup keys off the conversation's
// tracked working directory.
func (w *Watcher) RegisterHandlers(hub *wsserver.Hub) {
	hub.Handle("get_highlights", w.handleGetHighlights)
	hub.Handle("get_full", w.handleGetFull)
	hub.Handle("get_status", w.handleGetStatus)
	hub.Handle("get_sessions", w.handleGetSessions)
	hub.Handle("get_server_summary", w.handleGetServerSummary)
	hub.Handle("get_tasks", w.handleGetTasks)
	hub.Handle("switch_session", w.handleSwitchSession)
	hub.Handle("send_input", w.handleSendInput)
	hub.Handle("send_image", w.handleSendImage)
	hub.Handle("upload_image", w.handleSendImage)
	hub.Handle("send_with_images", w.handleSendWithImages)
}

func (w *Watcher) resolveSessionID(sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return w.ActiveSession()
}

func (w *Watcher) handleGetHighlights(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p highlightsPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
		}
	}
	sessionID := w.resolveSessionID(p.SessionID)
	page, hasMore, ok := w.Highlights(sessionID, p.Limit, p.Offset)
	if !ok {
		return nil, fmt.Errorf("not-found")
	}
	return map[string]any{"messages": page, "hasMore": hasMore}, nil
}

func (w *Watcher) handleGetFull(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	sessionID := w.resolveSessionID("")
	messages, ok := w.Messages(sessionID)
	if !ok {
		return nil, fmt.Errorf("not-found")
	}
	return map[string]any{"messages": messages}, nil
}

func (w *Watcher) handleGetStatus(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	sessionID := w.resolveSessionID("")
	snap, ok := w.Snapshot(sessionID)
	if !ok {
		return nil, fmt.Errorf("not-found")
	}
	return map[string]any{"status": snap.Status}, nil
}

func (w *Watcher) handleGetSessions(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	return w.Snapshots(), nil
}

func (w *Watcher) handleGetServerSummary(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	sessions, err := tmuxctl.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var tagged []tmuxctl.Session
	if sessions != nil {
		tagged = make([]tmuxctl.Session, 0, len(sessions))
		for _, s := range sessions {
			if s.Tagged {
				tagged = append(tagged, s)
			}
		}
	}
	return w.ServerSummary(tagged), nil
}

func (w *Watcher) handleGetTasks(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p tasksPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
		}
	}
	sessionID := w.resolveSessionID(p.SessionID)
	tasks, ok := w.Tasks(sessionID)
	if !ok {
		return nil, fmt.Errorf("not-found")
	}
	return map[string]any{"tasks": tasks}, nil
}

func (w *Watcher) handleSwitchSession(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p switchSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if _, ok := w.Snapshot(p.SessionID); !ok {
		return nil, fmt.Errorf("not-found")
	}
	w.SetActiveSession(p.SessionID)
	return map[string]bool{"ok": true}, nil
}

// sessionTmuxTarget resolves sessionID's tracked working directory to the
// live tmux session rooted there, since send_input addresses a conversation
// but delivery happens on its tmux pane.
func (w *Watcher) sessionTmuxTarget(ctx context.Context, sessionID string) (string, error) {
	workingDir, ok := w.WorkingDirOf(sessionID)
	if !ok {
		return "", fmt.Errorf("not-found")
	}
	sessions, err := tmuxctl.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range sessions {
		if s.WorkingDir == workingDir {
			return s.Name, nil
		}
	}
	return "", fmt.Errorf("tmux-session-not-found")
}

func (w *Watcher) handleSendInput(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p sendInputPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	sessionID := w.resolveSessionID(p.SessionID)
	target, err := w.sessionTmuxTarget(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !inject.SendInput(ctx, target, p.Input) {
		return nil, fmt.Errorf("shell-failure")
	}
	return map[string]bool{"ok": true}, nil
}

// decodeImageBase64 accepts either a raw base64 string or a data URL
// ("data:image/png;base64,...").
func decodeImageBase64(s string) ([]byte, error) {
	if idx := strings.Index(s, ","); idx != -1 && strings.HasPrefix(s, "data:") {
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}

// saveUploadedImage decodes a base64 image payload to the system temp dir
// under companion-<epoch>.<ext>, per the filesystem contract.
func saveUploadedImage(base64Data, mimeType string) (string, error) {
	ext := "png"
	switch mimeType {
	case "image/jpeg":
		ext = "jpg"
	case "image/webp":
		ext = "webp"
	case "image/gif":
		ext = "gif"
	}
	data, err := decodeImageBase64(base64Data)
	if err != nil {
		return "", fmt.Errorf("invalid-payload")
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("companion-%d.%s", time.Now().UnixNano(), ext))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}
	return path, nil
}

func (w *Watcher) handleSendImage(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p sendImagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Base64 == "" {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	path, err := saveUploadedImage(p.Base64, p.MimeType)
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": path}, nil
}

func (w *Watcher) handleSendWithImages(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p sendWithImagesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	sessionID := w.resolveSessionID("")
	target, err := w.sessionTmuxTarget(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	text := p.Message
	for _, imgPath := range p.ImagePaths {
		text += " " + imgPath
	}
	if !inject.SendInput(ctx, target, text) {
		return nil, fmt.Errorf("shell-failure")
	}
	return map[string]bool{"ok": true}, nil
}
