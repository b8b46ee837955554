// Package admin answers the daemon's admin verb group: liveness, the
// auto-approve tool configuration, aggregate token usage, and per-session
// auto-approve overrides. Token rotation lives in wsserver.Hub itself since
// it mutates listener authentication state directly.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"companiond/internal/config"
	"companiond/internal/conversation"
	"companiond/internal/wsserver"
)

// maxRecentWarnings bounds the in-memory warning log tee surfaced by
// get_tool_config, so a noisy daemon never grows this slice unbounded.
const maxRecentWarnings = 50

// LogEntry is one tee'd warning-or-above log record.
type LogEntry struct {
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
	Source  string     `json:"source,omitempty"`
}

// Broadcaster is the subset of wsserver.Hub the admin service needs to
// forward tee'd log records to subscribed clients' debug panels, declared
// locally so this package never imports wsserver's concrete Hub type.
type Broadcaster interface {
	Broadcast(msgType, sessionID string, payload any)
}

// Service answers ping/get_tool_config/get_usage/set_auto_approve.
type Service struct {
	cfgPath string

	mu              sync.RWMutex
	cfg             config.Config
	autoApproveOff  map[string]bool // sessionId -> explicitly disabled
	globalAutoOff   bool
	snapshotsSource func() []SnapshotUsage
	recentWarnings  []LogEntry
	broadcaster     Broadcaster
}

// SetBroadcaster wires the server_log broadcast channel used by desktop
// clients' debug panels. It's set once the hub exists, after NewService.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

// OnLogEntry is a sessionlog.EntryCallback recording warning-or-above log
// records for surfacing via get_tool_config, and forwarding each one as a
// server_log broadcast for subscribed clients' debug panels.
func (s *Service) OnLogEntry(ts time.Time, level slog.Level, msg, group string) {
	s.mu.Lock()
	s.recentWarnings = append(s.recentWarnings, LogEntry{Time: ts, Level: level, Message: msg, Source: group})
	if len(s.recentWarnings) > maxRecentWarnings {
		s.recentWarnings = s.recentWarnings[len(s.recentWarnings)-maxRecentWarnings:]
	}
	b := s.broadcaster
	s.mu.Unlock()

	if b != nil {
		b.Broadcast("server_log", "", LogEntry{Time: ts, Level: level, Message: msg, Source: group})
	}
}

// SnapshotUsage is one conversation's id and folded token usage, as
// supplied by the caller wiring get_usage (typically watcher.Watcher).
type SnapshotUsage struct {
	SessionID string
	Usage     conversation.UsageTotals
}

// NewService constructs a Service. snapshotsSource supplies the current
// per-conversation usage totals for get_usage; it may be nil if usage
// reporting should always return an empty set.
func NewService(cfg config.Config, cfgPath string, snapshotsSource func() []SnapshotUsage) *Service {
	return &Service{
		cfg:             cfg,
		cfgPath:         cfgPath,
		autoApproveOff:  make(map[string]bool),
		snapshotsSource: snapshotsSource,
	}
}

// RegisterHandlers wires the admin verb group into hub.
func (s *Service) RegisterHandlers(hub *wsserver.Hub) {
	hub.Handle("ping", s.handlePing)
	hub.Handle("get_tool_config", s.handleGetToolConfig)
	hub.Handle("get_usage", s.handleGetUsage)
	hub.Handle("set_auto_approve", s.handleSetAutoApprove)
}

func (s *Service) handlePing(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	return map[string]bool{"ok": true}, nil
}

func (s *Service) handleGetToolConfig(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"autoApproveTools": s.cfg.AutoApproveTools,
		"autoApproveOff":   s.globalAutoOff,
		"recentWarnings":   s.recentWarnings,
	}, nil
}

func (s *Service) handleGetUsage(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	if s.snapshotsSource == nil {
		return map[string]any{"sessions": []SnapshotUsage{}}, nil
	}
	return map[string]any{"sessions": s.snapshotsSource()}, nil
}

type setAutoApprovePayload struct {
	Enabled   bool   `json:"enabled"`
	SessionID string `json:"sessionId,omitempty"`
}

func (s *Service) handleSetAutoApprove(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p setAutoApprovePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.SessionID == "" {
		s.globalAutoOff = !p.Enabled
	} else {
		s.autoApproveOff[p.SessionID] = !p.Enabled
	}
	return map[string]bool{"ok": true}, nil
}

// AutoApproveEnabled reports whether auto-approve is currently active for
// sessionID, honoring any per-session override over the global default.
func (s *Service) AutoApproveEnabled(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if off, ok := s.autoApproveOff[sessionID]; ok {
		return !off
	}
	return !s.globalAutoOff
}
