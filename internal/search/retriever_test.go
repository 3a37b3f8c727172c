package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archon/internal/lexical"
	"github.com/fyrsmithlabs/archon/internal/logging"
	"github.com/fyrsmithlabs/archon/internal/vectorstore"
)

type fakeLexical struct {
	hits   []lexical.Hit
	err    error
	gotQ   *lexical.Query
	called bool
}

func (f *fakeLexical) Search(_ context.Context, q lexical.Query) (*lexical.SearchResult, error) {
	f.called = true
	f.gotQ = &q
	if f.err != nil {
		return nil, f.err
	}
	return &lexical.SearchResult{Hits: f.hits, EstimatedTotalHits: int64(len(f.hits))}, nil
}

type fakeVectors struct {
	results []vectorstore.Result
	err     error
	called  bool
	gotK    int
}

func (f *fakeVectors) Search(_ context.Context, _ []float32, k int, _ vectorstore.Filters, _ vectorstore.SearchOptions) ([]vectorstore.Result, error) {
	f.called = true
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeReranker struct {
	err    error
	invert bool
	called bool
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, results []Result) ([]Result, error) {
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	if f.invert {
		out := make([]Result, len(results))
		for i := range results {
			out[i] = results[len(results)-1-i]
		}
		return out, nil
	}
	return results, nil
}

func TestSearchLexicalOnlySkipsVectors(t *testing.T) {
	lex := &fakeLexical{hits: []lexical.Hit{{ID: 1}, {ID: 2}}}
	vec := &fakeVectors{}
	r := New(lex, vec, &fakeEmbedder{}, nil, 0, logging.NewNop())

	resp, err := r.Search(context.Background(), Request{Query: "contrat", Limit: 10, SemanticWeight: 0})
	require.NoError(t, err)
	assert.False(t, vec.called)
	assert.True(t, lex.called)
	assert.Equal(t, 2, resp.TotalResults)
	assert.Equal(t, int64(20), lex.gotQ.Limit, "lexical window is limit*2")
}

func TestSearchSemanticOnlySkipsLexical(t *testing.T) {
	lex := &fakeLexical{}
	vec := &fakeVectors{results: []vectorstore.Result{{DocumentID: 5, ChunkText: "extrait"}}}
	r := New(lex, vec, &fakeEmbedder{}, nil, 0, logging.NewNop())

	resp, err := r.Search(context.Background(), Request{Query: "contrat", Limit: 10, SemanticWeight: 1})
	require.NoError(t, err)
	assert.False(t, lex.called)
	assert.True(t, vec.called)
	assert.Equal(t, 20, vec.gotK)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "extrait", resp.Results[0].Snippet)
}

func TestSearchDegradesWithoutEmbedder(t *testing.T) {
	lex := &fakeLexical{hits: []lexical.Hit{{ID: 1}}}
	r := New(lex, nil, nil, nil, 0, logging.NewNop())

	resp, err := r.Search(context.Background(), Request{Query: "x", Limit: 5, SemanticWeight: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalResults)
	assert.Zero(t, resp.SemanticHits)
}

func TestSearchBothSidesEmpty(t *testing.T) {
	r := New(&fakeLexical{}, &fakeVectors{}, &fakeEmbedder{}, nil, 0, logging.NewNop())
	resp, err := r.Search(context.Background(), Request{Query: "nothing", Limit: 5, SemanticWeight: 0.5})
	require.NoError(t, err)
	assert.Zero(t, resp.TotalResults)
	assert.Empty(t, resp.Results)
}

func TestSearchPagination(t *testing.T) {
	lex := &fakeLexical{hits: []lexical.Hit{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}
	r := New(lex, nil, nil, nil, 0, logging.NewNop())

	resp, err := r.Search(context.Background(), Request{Query: "x", Limit: 2, Offset: 2, SemanticWeight: 0})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.TotalResults)
	assert.Equal(t, []int64{3, 4}, docIDs(resp.Results))

	resp, err = r.Search(context.Background(), Request{Query: "x", Limit: 2, Offset: 10, SemanticWeight: 0})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearchRejectsBadWeight(t *testing.T) {
	r := New(&fakeLexical{}, nil, nil, nil, 0, logging.NewNop())
	_, err := r.Search(context.Background(), Request{Query: "x", SemanticWeight: 1.5})
	assert.Error(t, err)
}

func TestSearchRerankReorders(t *testing.T) {
	lex := &fakeLexical{hits: []lexical.Hit{{ID: 1}, {ID: 2}, {ID: 3}}}
	rr := &fakeReranker{invert: true}
	r := New(lex, nil, nil, rr, 15, logging.NewNop())

	resp, err := r.Search(context.Background(), Request{Query: "x", Limit: 3, SemanticWeight: 0})
	require.NoError(t, err)
	assert.True(t, rr.called)
	assert.True(t, resp.Reranked)
	assert.Equal(t, []int64{3, 2, 1}, docIDs(resp.Results))
}

func TestSearchRerankFailureKeepsFusionOrder(t *testing.T) {
	lex := &fakeLexical{hits: []lexical.Hit{{ID: 1}, {ID: 2}}}
	rr := &fakeReranker{err: errors.New("llm down")}
	r := New(lex, nil, nil, rr, 15, logging.NewNop())

	resp, err := r.Search(context.Background(), Request{Query: "x", Limit: 5, SemanticWeight: 0})
	require.NoError(t, err)
	assert.False(t, resp.Reranked)
	assert.Equal(t, []int64{1, 2}, docIDs(resp.Results))
}

func TestSearchEmbeddingFailureDegradesToLexical(t *testing.T) {
	lex := &fakeLexical{hits: []lexical.Hit{{ID: 1}, {ID: 2}}}
	r := New(lex, &fakeVectors{}, &fakeEmbedder{err: errors.New("quota")}, nil, 0, logging.NewNop())

	resp, err := r.Search(context.Background(), Request{Query: "x", Limit: 5, SemanticWeight: 0.5})
	require.NoError(t, err, "an embedding outage must not abort the lexical side")
	assert.Equal(t, 2, resp.TotalResults)
	assert.Zero(t, resp.SemanticHits)
}

func TestSearchLexicalOutageDegradesToSemantic(t *testing.T) {
	lex := &fakeLexical{err: errors.New("meilisearch down")}
	vec := &fakeVectors{results: []vectorstore.Result{{DocumentID: 7, ChunkText: "pièce"}}}
	r := New(lex, vec, &fakeEmbedder{}, nil, 0, logging.NewNop())

	resp, err := r.Search(context.Background(), Request{Query: "x", Limit: 5, SemanticWeight: 0.5})
	require.NoError(t, err)
	assert.Zero(t, resp.LexicalHits)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(7), resp.Results[0].DocumentID)
}

func TestSearchBothSidesDownReturnsEmpty(t *testing.T) {
	lex := &fakeLexical{err: errors.New("meilisearch down")}
	vec := &fakeVectors{err: errors.New("qdrant down")}
	r := New(lex, vec, &fakeEmbedder{}, nil, 0, logging.NewNop())

	resp, err := r.Search(context.Background(), Request{Query: "x", Limit: 5, SemanticWeight: 0.5})
	require.NoError(t, err)
	assert.Zero(t, resp.TotalResults)
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}
