package conversation

// UsageTotals folds every usage record in a conversation into running
// totals per token category.
type UsageTotals struct {
	InputTokens       int `json:"inputTokens"`
	OutputTokens      int `json:"outputTokens"`
	CacheCreateTokens int `json:"cacheCreationTokens"`
	CacheReadTokens   int `json:"cacheReadTokens"`
}

// Usage folds all usage records in messages into totals.
func Usage(messages []Message) UsageTotals {
	var totals UsageTotals
	for _, m := range messages {
		if m.Usage == nil {
			continue
		}
		totals.InputTokens += m.Usage.InputTokens
		totals.OutputTokens += m.Usage.OutputTokens
		totals.CacheCreateTokens += m.Usage.CacheCreationInputTokens
		totals.CacheReadTokens += m.Usage.CacheReadInputTokens
	}
	return totals
}

// UsageFromFile re-parses path in full and folds its usage records. Callers
// that already hold a parsed message slice should call Usage directly
// instead of re-reading the file.
func UsageFromFile(path string) (UsageTotals, error) {
	msgs, _, err := ParseFile(path)
	if err != nil {
		return UsageTotals{}, err
	}
	return Usage(msgs), nil
}
