package chat

// ChunkText splits text into sequential, non-overlapping segments of at most
// size runes. Splitting happens on rune boundaries so a multi-byte character
// is never cut in half. Concatenating the chunks in order reproduces the
// input exactly.
func ChunkText(text string, size int) []string {
	if size <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
