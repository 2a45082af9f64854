package processor

// Chunk splits text into windows of at most size runes. Window i starts at
// rune i*(size-overlap); the last window may be shorter. Text that fits in a
// single window is returned as one chunk, as is any text when size does not
// exceed overlap.
func Chunk(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= size || overlap < 0 || size <= overlap {
		return []string{text}
	}

	step := size - overlap
	chunks := make([]string, 0, (len(runes)-overlap+step-1)/step)
	for start := 0; ; start += step {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Reassemble joins chunks produced by Chunk back into the original text by
// dropping the leading overlap of every chunk after the first.
func Reassemble(chunks []string, overlap int) string {
	if len(chunks) == 0 {
		return ""
	}
	out := []rune(chunks[0])
	for _, c := range chunks[1:] {
		r := []rune(c)
		out = append(out, r[min(overlap, len(r)):]...)
	}
	return string(out)
}
