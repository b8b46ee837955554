package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"companiond/internal/notifstore"
	"companiond/internal/wsserver"
)

type registerPushPayload struct {
	FCMToken  string `json:"fcmToken"`
	DeviceID  string `json:"deviceId"`
	TokenType string `json:"tokenType,omitempty"`
}

type deviceIDPayload struct {
	DeviceID string `json:"deviceId"`
}

type setMutedPayload struct {
	SessionID string `json:"sessionId"`
	Muted     bool   `json:"muted"`
}

type notificationHistoryPayload struct {
	Limit int `json:"limit,omitempty"`
}

// RegisterHandlers wires the notification-plane verbs (§6) into hub. This
// is the one place the engine names the hub's concrete type, matching the
// "hub never names its callers" pattern used throughout the daemon.
func (e *Engine) RegisterHandlers(hub *wsserver.Hub) {
	hub.Handle("register_push", e.handleRegisterPush)
	hub.Handle("unregister_push", e.handleUnregisterPush)
	hub.Handle("get_escalation_config", e.handleGetEscalationConfig)
	hub.Handle("update_escalation_config", e.handleUpdateEscalationConfig)
	hub.Handle("get_pending_events", e.handleGetPendingEvents)
	hub.Handle("get_devices", e.handleGetDevices)
	hub.Handle("remove_device", e.handleRemoveDevice)
	hub.Handle("set_session_muted", e.handleSetSessionMuted)
	hub.Handle("get_muted_sessions", e.handleGetMutedSessions)
	hub.Handle("get_notification_history", e.handleGetNotificationHistory)
	hub.Handle("clear_notification_history", e.handleClearNotificationHistory)
	hub.Handle("send_test_notification", e.handleSendTestNotification)
}

func (e *Engine) handleRegisterPush(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p registerPushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	kind := notifstore.TokenKindGatewayA
	if p.TokenType == string(notifstore.TokenKindGatewayB) {
		kind = notifstore.TokenKindGatewayB
	}
	if err := e.store.RegisterDevice(p.DeviceID, p.FCMToken, kind); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (e *Engine) handleUnregisterPush(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p deviceIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if err := e.store.UnregisterDevice(p.DeviceID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (e *Engine) handleGetEscalationConfig(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	return e.store.GetEscalationConfig(), nil
}

func (e *Engine) handleUpdateEscalationConfig(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p notifstore.EscalationConfig
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	e.store.UpdateEscalationConfig(p)
	return e.store.GetEscalationConfig(), nil
}

func (e *Engine) handleGetPendingEvents(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p.event)
	}
	return out, nil
}

func (e *Engine) handleGetDevices(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	return e.store.ListDevices()
}

func (e *Engine) handleRemoveDevice(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p deviceIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	if err := e.store.UnregisterDevice(p.DeviceID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (e *Engine) handleSetSessionMuted(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p setMutedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
	}
	e.store.SetSessionMuted(p.SessionID, p.Muted)
	if p.Muted {
		e.AcknowledgeSession(p.SessionID)
	}
	return map[string]bool{"ok": true}, nil
}

func (e *Engine) handleGetMutedSessions(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	return e.store.GetMutedSessions(), nil
}

func (e *Engine) handleGetNotificationHistory(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	var p notificationHistoryPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%s", wsserver.ErrInvalidPayload)
		}
	}
	return e.store.ListHistory(p.Limit)
}

func (e *Engine) handleClearNotificationHistory(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	if err := e.store.ClearHistory(); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (e *Engine) handleSendTestNotification(ctx context.Context, c *wsserver.Client, raw json.RawMessage) (any, error) {
	shouldBroadcast := e.HandleEvent(ctx, Event{
		EventType:   "session_completed",
		SessionID:   "test",
		SessionName: "Test notification",
		Content:     "This is a test notification from companiond at " + time.Now().Format(time.RFC3339),
	})
	return map[string]bool{"shouldBroadcast": shouldBroadcast}, nil
}
