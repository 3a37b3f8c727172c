package search

import (
	"context"

	"github.com/fyrsmithlabs/archon/internal/reranker"
)

// scorerReranker adapts a reranker.Scorer to the retriever. Scores
// reorder the fused page; unscored results keep their fused order
// below the scored ones.
type scorerReranker struct {
	scorer reranker.Scorer
}

// NewScorerReranker wraps an LLM scorer for use by the retriever.
func NewScorerReranker(scorer reranker.Scorer) Reranker {
	return &scorerReranker{scorer: scorer}
}

func (r *scorerReranker) Rerank(ctx context.Context, query string, results []Result) ([]Result, error) {
	if len(results) < 2 {
		return results, nil
	}

	passages := make([]reranker.Passage, len(results))
	ids := make([]int64, len(results))
	byID := make(map[int64]Result, len(results))
	for i, res := range results {
		text := res.FileName
		if res.Snippet != "" {
			text += "\n" + res.Snippet
		}
		passages[i] = reranker.Passage{ID: res.DocumentID, Text: reranker.Truncate(text)}
		ids[i] = res.DocumentID
		byID[res.DocumentID] = res
	}

	scores, err := r.scorer.Score(ctx, query, passages)
	if err != nil {
		return nil, err
	}

	ordered := reranker.Apply(ids, scores, 0)
	out := make([]Result, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, byID[id])
	}
	return out, nil
}
