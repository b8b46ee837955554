package conversation

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"time"
)

// rawLine mirrors the on-disk envelope of one JSONL entry. Only the fields
// the daemon interprets are typed; the rest is pass-through JSON per the
// Non-goal of not validating CLI message semantics.
type rawLine struct {
	Type       string          `json:"type"`
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parentUuid"`
	Timestamp  string          `json:"timestamp"`
	IsError    bool            `json:"isError"`
	Message    *rawLineMessage `json:"message"`
}

type rawLineMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *TokenUsage     `json:"usage"`
}

// ParseLine decodes a single JSONL line into a Message. It never returns a
// partial Message on error.
func ParseLine(file string, index int, line []byte) (Message, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Message{}, err
	}

	msg := Message{
		File:       file,
		Index:      index,
		UUID:       raw.UUID,
		ParentUUID: raw.ParentUUID,
		IsError:    raw.IsError,
		Raw:        json.RawMessage(append([]byte(nil), line...)),
	}
	if raw.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
			msg.Timestamp = ts
		}
	}

	if raw.Message != nil {
		msg.Role = raw.Message.Role
		msg.StopReason = raw.Message.StopReason
		msg.Usage = raw.Message.Usage
		msg.Blocks, msg.Text = decodeContent(raw.Message.Content)
	}

	msg.Kind = classify(raw.Type, msg)
	if msg.Kind == KindToolResult && !msg.IsError {
		for _, b := range msg.Blocks {
			if b.Type == "tool_result" && b.IsError {
				msg.IsError = true
				break
			}
		}
	}
	return msg, nil
}

// decodeContent accepts either a bare string or a list of content blocks,
// matching the two shapes the CLI uses depending on message type.
func decodeContent(raw json.RawMessage) ([]ContentBlock, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return nil, asString
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, ""
	}
	var text bytes.Buffer
	for i, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(b.Text)
		}
		blocks[i].Raw = nil
	}
	return blocks, text.String()
}

func classify(rawType string, msg Message) Kind {
	switch rawType {
	case "user":
		if hasBlockType(msg.Blocks, "tool_result") {
			return KindToolResult
		}
		return KindUserText
	case "assistant":
		if hasBlockType(msg.Blocks, "tool_use") {
			return KindToolUse
		}
		return KindAssistantText
	case "system", "summary":
		return KindSystemNotice
	default:
		if msg.Usage != nil {
			return KindUsageRecord
		}
		return KindSystemNotice
	}
}

func hasBlockType(blocks []ContentBlock, t string) bool {
	for _, b := range blocks {
		if b.Type == t {
			return true
		}
	}
	return false
}

// ParseChunk decodes every complete (newline-terminated) line in data,
// starting message indices at startIndex. It returns the decoded messages,
// the count of malformed lines skipped, and the number of bytes consumed —
// trailing partial lines are left unconsumed so the caller can re-read them
// once more data arrives. consumed is always a line boundary, which is what
// makes ParseFileTail restartable: parsing from offset K and parsing from 0
// then skipping to K land on the same boundary.
func ParseChunk(file string, data []byte, startIndex int) (msgs []Message, skipped int, consumed int) {
	index := startIndex
	for {
		nl := bytes.IndexByte(data[consumed:], '\n')
		if nl < 0 {
			break
		}
		line := data[consumed : consumed+nl]
		consumed += nl + 1

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		msg, err := ParseLine(file, index, trimmed)
		if err != nil {
			skipped++
			continue
		}
		msgs = append(msgs, msg)
		index++
	}
	return msgs, skipped, consumed
}

// ParseFile reads an entire conversation log file and decodes every line.
func ParseFile(path string) ([]Message, int, error) {
	msgs, _, skipped, err := ParseFileTail(path, 0, 0)
	return msgs, skipped, err
}

// ParseFileTail reads path starting at byte offset, decodes every complete
// line found using startIndex as the first message index, and returns the
// new byte offset to resume from on the next call. Restartability
// invariant: parsing from offset 0 with startIndex 0, then parsing from the
// byte offset and message index the first K messages ended at, yields the
// same (K+1)th message onward as parsing the whole file at once — because
// offset advances are always computed from ParseChunk's consumed byte
// count, which only ever lands on a newline boundary.
func ParseFileTail(path string, offset int64, startIndex int) ([]Message, int64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, 0, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, 0, err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, 0, err
	}

	msgs, skipped, consumed := ParseChunk(path, data, startIndex)
	return msgs, offset + int64(consumed), skipped, nil
}
