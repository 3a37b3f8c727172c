package embeddings

// charsPerToken approximates tokens for chunk sizing; exact token
// counts are not worth a tokenizer dependency here.
const charsPerToken = 4

// Chunk is one sliding-window slice of a document. Index is 0-based and
// stable for a given (text, size, overlap); vector point ids derive
// from it.
type Chunk struct {
	Index int    `json:"index"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// ChunkText slices text into overlapping windows of sizeTokens tokens
// with overlapTokens of overlap. Empty text yields no chunks.
func ChunkText(text string, sizeTokens, overlapTokens int) []Chunk {
	if sizeTokens <= 0 {
		sizeTokens = 500
	}
	if overlapTokens < 0 || overlapTokens >= sizeTokens {
		overlapTokens = 0
	}
	size := sizeTokens * charsPerToken
	step := (sizeTokens - overlapTokens) * charsPerToken

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Start: start,
			End:   end,
			Text:  string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}
