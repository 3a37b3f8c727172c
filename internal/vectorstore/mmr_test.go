package vectorstore

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(doc int64, score float32, vector []float32) Result {
	return Result{DocumentID: doc, Score: score, vector: vector}
}

func TestMMRDiversifiesNearDuplicates(t *testing.T) {
	query := []float32{1, 0, 0}
	// Docs 1 and 2 are near-identical; doc 3 is less relevant but novel.
	candidates := []Result{
		candidate(1, 0.95, []float32{1, 0, 0}),
		candidate(2, 0.94, []float32{0.999, 0.001, 0}),
		candidate(3, 0.70, []float32{0, 1, 0}),
	}

	picked := mmrSelect(query, candidates, 2, 0.5)
	require.Len(t, picked, 2)
	assert.Equal(t, int64(1), picked[0].DocumentID)
	assert.Equal(t, int64(3), picked[1].DocumentID, "the novel document should beat the near-duplicate")
}

func TestMMRHighLambdaFollowsRelevance(t *testing.T) {
	query := []float32{1, 0, 0}
	candidates := []Result{
		candidate(1, 0.95, []float32{1, 0, 0}),
		candidate(2, 0.94, []float32{0.999, 0.001, 0}),
		candidate(3, 0.10, []float32{0, 1, 0}),
	}

	picked := mmrSelect(query, candidates, 2, 0.99)
	require.Len(t, picked, 2)
	assert.Equal(t, int64(1), picked[0].DocumentID)
	assert.Equal(t, int64(2), picked[1].DocumentID)
}

func TestMMRWithoutVectorsFallsBackToRelevance(t *testing.T) {
	candidates := []Result{
		candidate(1, 0.9, nil),
		candidate(2, 0.8, nil),
		candidate(3, 0.7, nil),
	}
	picked := mmrSelect([]float32{1, 0}, candidates, 2, 0.5)
	require.Len(t, picked, 2)
	assert.Equal(t, int64(1), picked[0].DocumentID)
	assert.Equal(t, int64(2), picked[1].DocumentID)
}

func TestMMRResultSizeCapped(t *testing.T) {
	candidates := []Result{
		candidate(1, 0.9, []float32{1, 0}),
		candidate(2, 0.8, []float32{0, 1}),
	}
	assert.Len(t, mmrSelect([]float32{1, 0}, candidates, 5, 0.5), 2)
	assert.Empty(t, mmrSelect([]float32{1, 0}, candidates, 0, 0.5))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestDedupeByDocument(t *testing.T) {
	mk := func(id string, doc int64, score float32) *qdrant.ScoredPoint {
		return &qdrant.ScoredPoint{
			Id:    qdrant.NewID(id),
			Score: score,
			Payload: qdrant.NewValueMap(map[string]any{
				"document_id": doc,
				"chunk_index": int64(0),
			}),
		}
	}
	points := []*qdrant.ScoredPoint{
		mk("a", 1, 0.9),
		mk("b", 2, 0.85),
		mk("c", 1, 0.8), // lower-scored chunk of doc 1
	}

	out := dedupeByDocument(points)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].DocumentID)
	assert.Equal(t, float32(0.9), out[0].Score)
	assert.Equal(t, int64(2), out[1].DocumentID)
}

func TestPointIDDeterministic(t *testing.T) {
	assert.Equal(t, PointID(42, 3), PointID(42, 3))
	assert.NotEqual(t, PointID(42, 3), PointID(42, 4))
	assert.NotEqual(t, PointID(42, 3), PointID(43, 3))
}

func TestBuildFilter(t *testing.T) {
	assert.Nil(t, buildFilter(Filters{}))

	f := buildFilter(Filters{FileTypes: []string{"pdf", "email"}, ScanIDs: []int64{7}})
	require.NotNil(t, f)
	assert.Len(t, f.Must, 2)
}

func TestMMREmptyAndSingle(t *testing.T) {
	assert.Empty(t, mmrSelect([]float32{1}, nil, 3, 0.5))
	one := []Result{candidate(1, 0.5, []float32{1})}
	assert.Equal(t, one, mmrSelect([]float32{1}, one, 3, 0.5))
}
