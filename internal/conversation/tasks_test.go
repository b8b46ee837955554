package conversation

import "testing"

func TestTasks_UsesMostRecentTodoWriteCall(t *testing.T) {
	first := mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"TodoWrite","input":{"todos":[{"content":"a","status":"pending"}]}}]}}`, 0)
	second := mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t2","name":"TodoWrite","input":{"todos":[{"content":"a","status":"completed"},{"content":"b","status":"in_progress"}]}}]}}`, 1)

	tasks := Tasks([]Message{first, second})
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if tasks[0].Status != "completed" {
		t.Errorf("tasks[0].Status = %q, want completed", tasks[0].Status)
	}

	current, ok := CurrentTask(tasks)
	if !ok || current.Content != "b" {
		t.Errorf("CurrentTask() = %+v, ok=%v, want task b", current, ok)
	}
}

func TestUsage_FoldsTotals(t *testing.T) {
	m1 := mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":"x","usage":{"input_tokens":10,"output_tokens":5}}}`, 0)
	m2 := mustParse(t, `{"type":"assistant","message":{"role":"assistant","content":"y","usage":{"input_tokens":3,"output_tokens":2,"cache_read_input_tokens":7}}}`, 1)

	totals := Usage([]Message{m1, m2})
	if totals.InputTokens != 13 || totals.OutputTokens != 7 || totals.CacheReadTokens != 7 {
		t.Errorf("Usage() = %+v", totals)
	}
}

func TestHighlights_FiltersNonVisible(t *testing.T) {
	user := mustParse(t, `{"type":"user","message":{"role":"user","content":"hi"}}`, 0)
	result := mustParse(t, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1"}]}}`, 1)

	highlights := Highlights([]Message{user, result})
	if len(highlights) != 1 {
		t.Fatalf("len(highlights) = %d, want 1", len(highlights))
	}
}

func TestLastN_PagesFromTheEnd(t *testing.T) {
	msgs := make([]Message, 10)
	for i := range msgs {
		msgs[i] = Message{Index: i}
	}
	page, hasMore := LastN(msgs, 3, 2)
	if len(page) != 3 || page[0].Index != 5 || page[2].Index != 7 {
		t.Fatalf("page = %+v", page)
	}
	if !hasMore {
		t.Error("expected hasMore = true")
	}

	page, hasMore = LastN(msgs, 100, 0)
	if len(page) != 10 || hasMore {
		t.Errorf("page len = %d hasMore = %v, want full slice and no more", len(page), hasMore)
	}
}
