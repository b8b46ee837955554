package watcher

import (
	"path/filepath"
	"strings"
)

const subagentsDirName = "subagents"

// encodeProjectDir mirrors the coding CLI's own convention for naming a
// project's log directory: every path separator in the absolute working
// directory becomes a dash. The encoding is lossy (a directory component
// that itself contains a dash is indistinguishable from a separator) —
// the CLI accepts that tradeoff and so do we.
func encodeProjectDir(workingDir string) string {
	return strings.ReplaceAll(workingDir, string(filepath.Separator), "-")
}

// decodeProjectDir reverses encodeProjectDir on a best-effort basis.
func decodeProjectDir(encoded string) string {
	decoded := strings.ReplaceAll(encoded, "-", string(filepath.Separator))
	if !strings.HasPrefix(decoded, string(filepath.Separator)) {
		decoded = string(filepath.Separator) + decoded
	}
	return decoded
}

// conversationRef identifies which conversation a JSONL path belongs to and
// whether it is a sub-agent transcript nested under a project's subagents/
// directory.
type conversationRef struct {
	SessionID  string
	ProjectDir string // encoded, as it appears on disk under the watch root
	IsSubagent bool
	WorkingDir string // decoded from ProjectDir
}

// resolveConversation derives a conversationRef from a JSONL file path found
// under the watch root. The path is expected to look like
// <root>/<encodedProjectDir>/<sessionId>.jsonl or
// <root>/<encodedProjectDir>/subagents/<sessionId>.jsonl.
func resolveConversation(root, path string) (conversationRef, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return conversationRef{}, false
	}
	if filepath.Ext(rel) != ".jsonl" {
		return conversationRef{}, false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	sessionID := strings.TrimSuffix(parts[len(parts)-1], ".jsonl")
	if sessionID == "" {
		return conversationRef{}, false
	}

	var encodedDir string
	isSubagent := false
	switch {
	case len(parts) == 2:
		encodedDir = parts[0]
	case len(parts) == 3 && parts[1] == subagentsDirName:
		encodedDir = parts[0]
		isSubagent = true
	default:
		return conversationRef{}, false
	}

	return conversationRef{
		SessionID:  sessionID,
		ProjectDir: encodedDir,
		IsSubagent: isSubagent,
		WorkingDir: decodeProjectDir(encodedDir),
	}, true
}
