package conversation

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseLine_UserText(t *testing.T) {
	line := []byte(`{"type":"user","uuid":"u1","timestamp":"2026-01-01T00:00:00Z","message":{"role":"user","content":"hello"}}`)
	msg, err := ParseLine("f.jsonl", 0, line)
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	if msg.Kind != KindUserText {
		t.Errorf("Kind = %v, want %v", msg.Kind, KindUserText)
	}
	if msg.Text != "hello" {
		t.Errorf("Text = %q", msg.Text)
	}
}

func TestParseLine_ToolUseAndResult(t *testing.T) {
	useLine := []byte(`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Read","input":{"path":"/x"}}]}}`)
	use, err := ParseLine("f.jsonl", 0, useLine)
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	if use.Kind != KindToolUse {
		t.Fatalf("Kind = %v, want tool-use", use.Kind)
	}

	resultLine := []byte(`{"type":"user","uuid":"r1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","is_error":false}]}}`)
	result, err := ParseLine("f.jsonl", 1, resultLine)
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	if result.Kind != KindToolResult {
		t.Fatalf("Kind = %v, want tool-result", result.Kind)
	}
}

func TestParseLine_MalformedJSON(t *testing.T) {
	if _, err := ParseLine("f.jsonl", 0, []byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestParseChunk_SkipsMalformedLinesWithoutAborting(t *testing.T) {
	data := []byte(
		`{"type":"user","message":{"role":"user","content":"one"}}` + "\n" +
			`not json at all` + "\n" +
			`{"type":"user","message":{"role":"user","content":"two"}}` + "\n",
	)
	msgs, skipped, consumed := ParseChunk("f.jsonl", data, 0)
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if consumed != len(data) {
		t.Errorf("consumed = %d, want %d", consumed, len(data))
	}
}

func TestParseChunk_LeavesTrailingPartialLineUnconsumed(t *testing.T) {
	full := `{"type":"user","message":{"role":"user","content":"one"}}` + "\n"
	partial := `{"type":"user","message":{"role":"u`
	data := []byte(full + partial)

	msgs, _, consumed := ParseChunk("f.jsonl", data, 0)
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	if consumed != len(full) {
		t.Errorf("consumed = %d, want %d (only the complete line)", consumed, len(full))
	}
}

func TestParseFileTail_Restartability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	content := ""
	for i := 0; i < 5; i++ {
		content += `{"type":"user","message":{"role":"user","content":"msg"}}` + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fullRun, _, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(fullRun) != 5 {
		t.Fatalf("len(fullRun) = %d, want 5", len(fullRun))
	}

	firstBatch, offset, _, err := ParseFileTail(path, 0, 0)
	if err != nil {
		t.Fatalf("ParseFileTail() error = %v", err)
	}
	// Simulate the watcher re-reading from the recorded offset after no new
	// data has been appended: it must see zero new messages.
	secondBatch, _, _, err := ParseFileTail(path, offset, len(firstBatch))
	if err != nil {
		t.Fatalf("ParseFileTail() error = %v", err)
	}
	if len(secondBatch) != 0 {
		t.Errorf("expected no new messages re-reading from the same offset, got %d", len(secondBatch))
	}

	// Now append more and verify the continuation picks up only the new line
	// with a continuing index.
	more := `{"type":"user","message":{"role":"user","content":"msg6"}}` + "\n"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(more); err != nil {
		t.Fatal(err)
	}
	f.Close()

	thirdBatch, _, _, err := ParseFileTail(path, offset, len(firstBatch))
	if err != nil {
		t.Fatalf("ParseFileTail() error = %v", err)
	}
	if len(thirdBatch) != 1 {
		t.Fatalf("len(thirdBatch) = %d, want 1", len(thirdBatch))
	}
	if thirdBatch[0].Index != len(firstBatch) {
		t.Errorf("Index = %d, want %d", thirdBatch[0].Index, len(firstBatch))
	}
}
