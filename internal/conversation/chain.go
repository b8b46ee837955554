package conversation

// ChainParse treats an ordered list of log files as one logical
// conversation — the CLI rotates logs, and each new file carries a parent
// pointer back to the one it continues — and returns the last limit
// highlights across the whole chain, skipping offset, plus whether more
// remain further back.
func ChainParse(files []string, limit, offset int) ([]Message, bool, int, error) {
	var all []Message
	totalSkipped := 0
	nextIndex := 0
	for _, file := range files {
		msgs, skipped, err := ParseFile(file)
		if err != nil {
			return nil, false, totalSkipped, err
		}
		for i := range msgs {
			msgs[i].Index = nextIndex
			nextIndex++
		}
		all = append(all, msgs...)
		totalSkipped += skipped
	}

	highlights := Highlights(all)
	page, hasMore := LastN(highlights, limit, offset)
	return page, hasMore, totalSkipped, nil
}
