// Package conversation decodes the newline-delimited JSON conversation logs
// emitted by the coding CLI into a typed message stream, and derives the
// projections (highlights, tasks, usage totals, session status) the rest of
// the daemon needs. Message payloads themselves are treated as opaque
// pass-through JSON wherever the spec does not require interpreting them.
package conversation

import (
	"encoding/json"
	"time"
)

// Kind tags the variant a Message carries.
type Kind string

const (
	KindUserText      Kind = "user-text"
	KindAssistantText Kind = "assistant-text"
	KindToolUse       Kind = "tool-use"
	KindToolResult    Kind = "tool-result"
	KindSystemNotice  Kind = "system-notice"
	KindUsageRecord   Kind = "usage-record"
)

// ContentBlock is one element of a message's content array. Only the fields
// the daemon needs to interpret (tool name/id, error flag, task-list input)
// are typed; everything else rides along in Raw.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// ID is the tool-call identifier on a "tool_use" block.
	ID string `json:"id,omitempty"`
	// ToolUseID on a "tool_result" block references the "tool_use" block's ID.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// TokenUsage mirrors the usage object the CLI attaches to assistant turns.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Message is one decoded line of a conversation log.
type Message struct {
	// File and Index locate the message within the logical chain: File is
	// the source path, Index is monotonically increasing within that file
	// (ChainParse renumbers it continuously across the whole chain).
	File  string
	Index int

	Timestamp  time.Time
	Kind       Kind
	Role       string
	Text       string
	Blocks     []ContentBlock
	UUID       string
	ParentUUID string
	Usage      *TokenUsage
	StopReason string
	IsError    bool

	// Raw is the undecoded line, preserved so callers that need fields this
	// package does not model can still reach them without a second parse.
	Raw json.RawMessage
}

// IsHighlight reports whether the message changes visible conversation
// state: a user prompt, assistant text, the start of a tool use, a
// waiting-for-input prompt, or an error.
func (m Message) IsHighlight() bool {
	switch m.Kind {
	case KindUserText, KindAssistantText, KindToolUse, KindSystemNotice:
		return true
	case KindToolResult:
		return m.IsError
	default:
		return false
	}
}

// toolUseIDs returns the ids of every tool-use content block in the message.
func (m Message) toolUseIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Type == "tool_use" && b.ID != "" {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

func (m Message) toolResultID() (string, bool) {
	for _, b := range m.Blocks {
		if b.Type == "tool_result" && b.ToolUseID != "" {
			return b.ToolUseID, true
		}
	}
	return "", false
}
