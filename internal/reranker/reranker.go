// Package reranker re-scores retrieval candidates with an LLM judge.
package reranker

import (
	"context"
	"sort"
)

// maxPassageChars caps the text sent per passage to keep the scoring
// prompt within budget.
const maxPassageChars = 900

// Passage is one candidate to score.
type Passage struct {
	ID   int64
	Text string
}

// Scorer assigns each passage a relevance score in [0,1]. An empty map
// is a valid answer and means "keep the current order".
type Scorer interface {
	Score(ctx context.Context, query string, passages []Passage) (map[int64]float64, error)
}

// Apply reorders ids by descending score, stably. Ids missing from
// scores keep their pre-rerank relative order, below every scored id.
// topKOut <= 0 keeps everything.
func Apply(ids []int64, scores map[int64]float64, topKOut int) []int64 {
	out := make([]int64, len(ids))
	copy(out, ids)

	sort.SliceStable(out, func(i, j int) bool {
		si, iok := scores[out[i]]
		sj, jok := scores[out[j]]
		if iok != jok {
			return iok
		}
		if !iok {
			return false // both unscored, keep order
		}
		return si > sj
	})

	if topKOut > 0 && len(out) > topKOut {
		out = out[:topKOut]
	}
	return out
}

// Truncate trims passage text to the prompt budget.
func Truncate(text string) string {
	if len(text) > maxPassageChars {
		return text[:maxPassageChars]
	}
	return text
}
