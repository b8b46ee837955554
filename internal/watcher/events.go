package watcher

import (
	"time"

	"companiond/internal/conversation"
)

// EventType names the kind of notification the watcher emits off a
// conversation update.
type EventType string

const (
	EventStatusChange         EventType = "status-change"
	EventConversationUpdate   EventType = "conversation-update"
	EventErrorDetected        EventType = "error-detected"
	EventSessionCompleted     EventType = "session-completed"
	EventCompaction           EventType = "compaction"
	EventOtherSessionActivity EventType = "other-session-activity"
)

// Event is one notification pushed onto the watcher's event channel. Not
// every field is populated for every Type; see the EventType constants.
type Event struct {
	Type        EventType
	SessionID   string
	Status      conversation.Status
	LastMessage *conversation.Message
	Tail        []conversation.Message
	At          time.Time
}

// Snapshot is a defensive, point-in-time copy of one tracked conversation.
// Callers never receive the watcher's internal map or slices.
type Snapshot struct {
	SessionID   string
	WorkingDir  string
	IsSubagent  bool
	Status      conversation.Status
	LastMessage *conversation.Message
	Tasks       []conversation.Task
	Usage       conversation.UsageTotals
	UpdatedAt   time.Time
	// Active reports whether a live tmux session's working directory
	// matches this conversation's project directory, as of the last
	// reconciliation pass. Populated only when reconciliation has run at
	// least once; zero-value false otherwise.
	Active bool
}

// Summary is the result of getServerSummary: aggregate counts across every
// tracked conversation, optionally filtered to those with a live tmux pane.
type Summary struct {
	Sessions      []Snapshot
	TotalSessions int
	WaitingCount  int
	WorkingCount  int
}
