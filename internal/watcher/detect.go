package watcher

import (
	"strings"

	"companiond/internal/conversation"
)

// completionMarkers are the substrings (case-insensitive) the coding CLI is
// observed to emit in a system notice when a turn's work is done. There is
// no single well-known sentinel across CLI versions, so this list is kept
// small and specific rather than pattern-matching every assistant message.
var completionMarkers = []string{
	"task completed",
	"session complete",
}

// compactionMarkers mirrors completionMarkers for history-compaction
// notices; the CLI rotates old turns into a "summary" line when its context
// window fills.
var compactionMarkers = []string{
	"compact",
}

// detectConditions scans newly parsed messages (a tail, not the whole
// conversation) for the three higher-level conditions the session watcher
// is responsible for surfacing.
func detectConditions(tail []conversation.Message) (errored, completed, compacted bool) {
	for _, msg := range tail {
		if msg.IsError {
			errored = true
		}
		if msg.Kind == conversation.KindSystemNotice {
			lower := strings.ToLower(msg.Text)
			if containsAny(lower, completionMarkers) {
				completed = true
			}
			if containsAny(lower, compactionMarkers) {
				compacted = true
			}
		}
	}
	return errored, completed, compacted
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
