package vectordb

import "github.com/smythos/sre/runtime/fault"

// Chunk splits text into overlapping windows of size runes advancing by
// size-overlap. For a text of length L the number of chunks is
// ceil((L-overlap)/(size-overlap)); the last chunk may be shorter.
func Chunk(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, fault.New(fault.KindInvalidArgument, "chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fault.New(fault.KindInvalidArgument, "chunk overlap must be in [0, size), got size=%d overlap=%d", size, overlap)
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}
	step := size - overlap
	chunks := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; ; start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks, nil
}
