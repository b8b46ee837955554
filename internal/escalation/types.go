// Package escalation implements the two-tier (browser, then push) delivery
// engine with cancel-on-ack: a broadcast event gets an immediate hub
// broadcast, and if the operator hasn't acknowledged it by the time its
// push delay elapses, a push notification follows.
package escalation

import "time"

// Event is one incoming notification candidate.
type Event struct {
	EventType   string
	SessionID   string
	SessionName string
	Content     string
}

// pendingEvent tracks one (sessionId, eventType) awaiting its push deadline.
// At most one exists per key at a time (§3 PendingEvent invariant).
type pendingEvent struct {
	event     Event
	firstSeen time.Time
	deadline  time.Time
	timer     *time.Timer
	pushed    bool
}

func pendingKey(sessionID, eventType string) string {
	return sessionID + "\x00" + eventType
}
