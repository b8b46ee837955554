package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"companiond/internal/notifstore"
)

const previewMaxLen = 200

// PushResult is one device's outcome from a push attempt.
type PushResult struct {
	DeviceID string
	Err      error
}

// Sender delivers a push payload to every device. Implemented by
// internal/push.Sender; declared here so the engine never imports that
// package directly.
type Sender interface {
	SendToAllDevices(ctx context.Context, devices []notifstore.Device, title, body string, data map[string]string) []PushResult
}

// Engine is the daemon's single escalation scheduler.
type Engine struct {
	store  *notifstore.Store
	sender Sender

	mu       sync.Mutex
	pending  map[string]*pendingEvent
	limiters map[string]*rate.Limiter
}

// NewEngine constructs an Engine backed by store for config/devices/history
// and sender for push dispatch.
func NewEngine(store *notifstore.Store, sender Sender) *Engine {
	return &Engine{
		store:    store,
		sender:   sender,
		pending:  make(map[string]*pendingEvent),
		limiters: make(map[string]*rate.Limiter),
	}
}

// HandleEvent runs the per-event decision sequence from the component
// design and reports whether the hub should broadcast this event now.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) bool {
	cfg := e.store.GetEscalationConfig()
	if !eventTypeEnabled(cfg, ev.EventType) {
		return false
	}
	if e.store.IsMuted(ev.SessionID) {
		return false
	}

	e.mu.Lock()
	key := pendingKey(ev.SessionID, ev.EventType)
	if existing, ok := e.pending[key]; ok {
		existing.event = ev
		existing.deadline = time.Now().Add(time.Duration(cfg.PushDelaySeconds) * time.Second)
		if existing.timer != nil {
			existing.timer.Stop()
		}
		existing.timer = time.AfterFunc(time.Duration(cfg.PushDelaySeconds)*time.Second, func() {
			e.dispatch(ctx, key)
		})
		e.mu.Unlock()
		return false
	}

	entry := &pendingEvent{
		event:     ev,
		firstSeen: time.Now(),
		deadline:  time.Now().Add(time.Duration(cfg.PushDelaySeconds) * time.Second),
	}
	entry.timer = time.AfterFunc(time.Duration(cfg.PushDelaySeconds)*time.Second, func() {
		e.dispatch(ctx, key)
	})
	e.pending[key] = entry
	e.mu.Unlock()

	if err := e.store.AppendHistory(notifstore.HistoryEntry{
		Timestamp:   entry.firstSeen,
		EventType:   ev.EventType,
		SessionID:   ev.SessionID,
		SessionName: ev.SessionName,
		Preview:     truncate(ev.Content, previewMaxLen),
		Tier:        notifstore.TierBrowser,
	}); err != nil {
		slog.Warn("[WARN-ESCALATION] append history failed", "error", err)
	}
	return true
}

// AcknowledgeSession removes every pending event for sessionID and cancels
// their scheduled pushes. Cancellation races the deadline firing by
// construction: dispatch re-checks e.pending under the same mutex, so
// whichever side observes the entry still present "wins" atomically.
func (e *Engine) AcknowledgeSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, entry := range e.pending {
		if entry.event.SessionID != sessionID {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(e.pending, key)
	}
	if err := e.store.AcknowledgeHistory(sessionID); err != nil {
		slog.Warn("[WARN-ESCALATION] acknowledge history failed", "error", err)
	}
}

// dispatch is the deadline-fired push attempt for one (sessionId,
// eventType) pair.
func (e *Engine) dispatch(ctx context.Context, key string) {
	e.mu.Lock()
	entry, ok := e.pending[key]
	if !ok {
		e.mu.Unlock()
		return // acknowledged before the deadline fired; ack wins.
	}
	delete(e.pending, key)
	cfg := e.store.GetEscalationConfig()

	if e.withinQuietHours(cfg.QuietHours, time.Now()) {
		e.mu.Unlock()
		slog.Debug("[DEBUG-ESCALATION] push suppressed by quiet hours", "session", entry.event.SessionID)
		return
	}

	limiter, limiterOK := e.limiters[entry.event.SessionID]
	if !limiterOK {
		limiter = rate.NewLimiter(rate.Every(time.Duration(cfg.RateLimitSeconds)*time.Second), 1)
		e.limiters[entry.event.SessionID] = limiter
	}
	allowed := limiter.Allow()
	e.mu.Unlock()

	if !allowed {
		slog.Debug("[DEBUG-ESCALATION] push suppressed by rate limit", "session", entry.event.SessionID)
		return
	}

	if e.sender == nil {
		return
	}
	devices, err := e.store.ListDevices()
	if err != nil {
		slog.Warn("[WARN-ESCALATION] list devices failed", "error", err)
		return
	}
	if len(devices) == 0 {
		return
	}

	title := entry.event.SessionName
	if title == "" {
		title = entry.event.SessionID
	}
	body := truncate(entry.event.Content, previewMaxLen)
	results := e.sender.SendToAllDevices(ctx, devices, title, body, map[string]string{
		"sessionId": entry.event.SessionID,
		"eventType": entry.event.EventType,
	})
	for _, r := range results {
		if r.Err != nil {
			slog.Warn("[WARN-ESCALATION] push delivery failed", "device", r.DeviceID, "error", r.Err)
		}
	}

	if err := e.store.AppendHistory(notifstore.HistoryEntry{
		Timestamp:   time.Now(),
		EventType:   entry.event.EventType,
		SessionID:   entry.event.SessionID,
		SessionName: entry.event.SessionName,
		Preview:     body,
		Tier:        notifstore.TierBoth,
	}); err != nil {
		slog.Warn("[WARN-ESCALATION] append push history failed", "error", err)
	}
}

// withinQuietHours reports whether t's local time-of-day falls in the
// configured window. start == end means the window is always active; the
// window may wrap past midnight (start > end).
func (e *Engine) withinQuietHours(qh notifstore.QuietHours, t time.Time) bool {
	if !qh.Enabled {
		return false
	}
	start, err := parseHHMM(qh.Start)
	if err != nil {
		return false
	}
	end, err := parseHHMM(qh.End)
	if err != nil {
		return false
	}
	if start == end {
		return true
	}
	now := t.Local().Hour()*60 + t.Local().Minute()
	if start < end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	return h*60 + m, nil
}

func eventTypeEnabled(cfg notifstore.EscalationConfig, eventType string) bool {
	switch eventType {
	case "waiting_for_input":
		return cfg.Events.WaitingForInput
	case "error_detected":
		return cfg.Events.ErrorDetected
	case "session_completed":
		return cfg.Events.SessionComplete
	case "worker_waiting":
		return cfg.Events.WorkerWaiting
	case "worker_error":
		return cfg.Events.WorkerError
	case "work_group_ready":
		return cfg.Events.WorkGroupReady
	default:
		return true
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
