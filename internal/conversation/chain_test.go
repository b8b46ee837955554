package conversation

import (
	"os"
	"path/filepath"
	"testing"
)

func writeJSONL(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestChainParse_ConcatenatesFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.jsonl")
	second := filepath.Join(dir, "b.jsonl")
	writeJSONL(t, first, `{"type":"user","message":{"role":"user","content":"one"}}`)
	writeJSONL(t, second, `{"type":"user","message":{"role":"user","content":"two"}}`)

	page, hasMore, skipped, err := ChainParse([]string{first, second}, 10, 0)
	if err != nil {
		t.Fatalf("ChainParse() error = %v", err)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0", skipped)
	}
	if hasMore {
		t.Error("expected hasMore = false")
	}
	if len(page) != 2 || page[0].Text != "one" || page[1].Text != "two" {
		t.Fatalf("page = %+v", page)
	}
	if page[1].Index != 1 {
		t.Errorf("second message Index = %d, want 1 (continuing across files)", page[1].Index)
	}
}
