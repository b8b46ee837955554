// Package notifstore persists the escalation engine's durable state:
// registered push devices, the append-only notification history, the
// process-wide escalation config, and the set of muted session ids. Devices
// and history are relational (queryable by the get_notification_history
// verb), so they live in a small embedded SQLite database; the escalation
// config and muted-session set are few-field, whole-document values, so they
// keep the teacher's atomic-replace flat-file discipline instead.
package notifstore

import (
	"encoding/json"
	"time"
)

// TokenKind names which push gateway a device's token belongs to.
type TokenKind string

const (
	TokenKindGatewayA TokenKind = "gateway-a"
	TokenKindGatewayB TokenKind = "gateway-b"
)

// Tier records how far a notification was actually delivered.
type Tier string

const (
	TierBrowser Tier = "browser"
	TierPush    Tier = "push"
	TierBoth    Tier = "both"
)

// Device is one registered push target.
type Device struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	TokenKind    TokenKind `json:"tokenKind"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// HistoryEntry is one append-only notification record, capped at
// maxHistoryEntries (oldest dropped first).
type HistoryEntry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"eventType"`
	SessionID    string    `json:"sessionId,omitempty"`
	SessionName  string    `json:"sessionName,omitempty"`
	Preview      string    `json:"preview"`
	Tier         Tier      `json:"tier"`
	Acknowledged bool      `json:"acknowledged"`
}

// QuietHours is a local-time window during which pushes are suppressed.
// Start == End means the window is always active; the window may wrap past
// midnight (Start > End).
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"` // "HH:MM"
	End     string `json:"end"`   // "HH:MM"
}

// EventToggles enables or disables escalation per event type.
type EventToggles struct {
	WaitingForInput bool `json:"waitingForInput"`
	ErrorDetected   bool `json:"errorDetected"`
	SessionComplete bool `json:"sessionCompleted"`
	WorkerWaiting   bool `json:"workerWaiting"`
	WorkerError     bool `json:"workerError"`
	WorkGroupReady  bool `json:"workGroupReady"`
}

// EscalationConfig is the single process-wide escalation policy.
type EscalationConfig struct {
	Events           EventToggles `json:"events"`
	PushDelaySeconds int          `json:"pushDelaySeconds"`
	RateLimitSeconds int          `json:"rateLimitSeconds"`
	QuietHours       QuietHours   `json:"quietHours"`
}

// DefaultEscalationConfig is used when no state file exists yet, and as the
// substitute value when migrating away from the legacy "rules" field.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Events: EventToggles{
			WaitingForInput: true,
			ErrorDetected:   true,
			SessionComplete: true,
			WorkerWaiting:   true,
			WorkerError:     true,
			WorkGroupReady:  true,
		},
		PushDelaySeconds: 300,
		RateLimitSeconds: 60,
	}
}

// state is the whole-document shape of the flat state file.
type state struct {
	Escalation    EscalationConfig `json:"escalation"`
	MutedSessions []string         `json:"mutedSessions"`
	// Rules is the legacy field: present only so Unmarshal can detect and
	// discard it during migration. It is never written back out.
	Rules json.RawMessage `json:"rules,omitempty"`
}
