package vectorstore

import "math"

// DefaultMMRLambda balances relevance against novelty when the caller
// does not specify one.
const DefaultMMRLambda = 0.5

// mmrSelect applies Maximal Marginal Relevance over score-sorted
// candidates: each round picks the candidate maximizing
// lambda*relevance - (1-lambda)*max_similarity_to_selected. Candidates
// without vectors fall back to pure relevance order.
func mmrSelect(queryVector []float32, candidates []Result, k int, lambda float64) []Result {
	if len(candidates) <= 1 || k <= 0 {
		if len(candidates) > k {
			return candidates[:k]
		}
		return candidates
	}
	if lambda <= 0 || lambda > 1 {
		lambda = DefaultMMRLambda
	}

	// Without stored vectors pairwise similarity is unknowable; the
	// score-sorted prefix is the best available answer.
	for _, c := range candidates {
		if len(c.vector) == 0 {
			if len(candidates) > k {
				return candidates[:k]
			}
			return candidates
		}
	}

	remaining := make([]Result, len(candidates))
	copy(remaining, candidates)
	selected := make([]Result, 0, k)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := 0
		bestScore := math.Inf(-1)
		for i, c := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				if sim := cosineSimilarity(c.vector, s.vector); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*float64(c.Score) - (1-lambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
