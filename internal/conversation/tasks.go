package conversation

import "encoding/json"

// todoWriteTool is the tool-use name the CLI emits for todo-list updates.
const todoWriteTool = "TodoWrite"

// Task is one todo-list entry extracted from an embedded tool call.
type Task struct {
	Content    string `json:"content"`
	ActiveForm string `json:"activeForm,omitempty"`
	Status     string `json:"status"` // pending | in_progress | completed
}

type todoWriteInput struct {
	Todos []Task `json:"todos"`
}

// Tasks scans messages for the most recent TodoWrite tool call and returns
// its todo list — the CLI resends the full list on every update, so only
// the latest call reflects current state.
func Tasks(messages []Message) []Task {
	var latest []Task
	for _, m := range messages {
		if m.Kind != KindToolUse {
			continue
		}
		for _, b := range m.Blocks {
			if b.Type != "tool_use" || b.ToolName != todoWriteTool || len(b.Input) == 0 {
				continue
			}
			var input todoWriteInput
			if err := json.Unmarshal(b.Input, &input); err != nil {
				continue
			}
			latest = input.Todos
		}
	}
	return latest
}

// CurrentTask returns the in_progress todo entry, if any.
func CurrentTask(tasks []Task) (Task, bool) {
	for _, t := range tasks {
		if t.Status == "in_progress" {
			return t, true
		}
	}
	return Task{}, false
}
