package search

import "sort"

// rrfK dampens the rank contribution curve; 60 is the standard
// reciprocal-rank-fusion constant.
const rrfK = 60

// Result is one fused hit.
type Result struct {
	DocumentID int64   `json:"document_id"`
	ScanID     int64   `json:"scan_id"`
	FilePath   string  `json:"file_path"`
	FileName   string  `json:"file_name"`
	FileType   string  `json:"file_type"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score"`

	LexicalRank  int `json:"lexical_rank,omitempty"`  // 1-based, 0 = absent
	SemanticRank int `json:"semantic_rank,omitempty"` // 1-based, 0 = absent
}

// fuseRRF merges the two ranked lists with weighted reciprocal rank
// fusion. Lexical hits contribute (1-semanticWeight)/(k+rank+1),
// semantic hits semanticWeight/(k+rank+1); a document in both lists
// sums both. Ties preserve the rank order of the heavier-weighted side.
func fuseRRF(lexHits, semHits []Result, semanticWeight float64) []Result {
	keywordWeight := 1 - semanticWeight

	fused := make(map[int64]*Result)
	appendHit := func(h Result) *Result {
		if existing, ok := fused[h.DocumentID]; ok {
			return existing
		}
		copied := h
		fused[h.DocumentID] = &copied
		return &copied
	}

	for rank, h := range lexHits {
		r := appendHit(h)
		r.Score += keywordWeight / float64(rrfK+rank+1)
		r.LexicalRank = rank + 1
		if r.Snippet == "" {
			r.Snippet = h.Snippet
		}
	}
	for rank, h := range semHits {
		r := appendHit(h)
		r.Score += semanticWeight / float64(rrfK+rank+1)
		r.SemanticRank = rank + 1
		if r.Snippet == "" {
			r.Snippet = h.Snippet
		}
	}

	out := make([]Result, 0, len(fused))
	for _, r := range fused {
		out = append(out, *r)
	}

	lexicalTiebreak := keywordWeight >= semanticWeight
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return tieRank(out[i], lexicalTiebreak) < tieRank(out[j], lexicalTiebreak)
	})
	return out
}

// tieRank orders equal-score documents by their rank on the side that
// carries more weight, treating absence as last.
func tieRank(r Result, lexical bool) int {
	primary, secondary := r.LexicalRank, r.SemanticRank
	if !lexical {
		primary, secondary = secondary, primary
	}
	if primary > 0 {
		return primary
	}
	if secondary > 0 {
		return 1_000_000 + secondary
	}
	return 2_000_000
}
