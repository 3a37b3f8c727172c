// Package search fuses lexical and semantic retrieval into one ranked
// hybrid result list.
package search

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/lexical"
	"github.com/fyrsmithlabs/archon/internal/vectorstore"
)

var tracer = otel.Tracer("archon.search")

// Lexical is the keyword search dependency.
type Lexical interface {
	Search(ctx context.Context, q lexical.Query) (*lexical.SearchResult, error)
}

// Vectors is the semantic search dependency.
type Vectors interface {
	Search(ctx context.Context, queryVector []float32, k int, filters vectorstore.Filters, opts vectorstore.SearchOptions) ([]vectorstore.Result, error)
}

// Embedder turns queries into vectors.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Reranker re-scores the fused top-N. Nil disables reranking.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result) ([]Result, error)
}

// Request is one hybrid search.
type Request struct {
	Query          string
	Limit          int
	Offset         int
	SemanticWeight float64 // 0 = lexical only, 1 = semantic only
	FileTypes      []string
	ScanIDs        []int64
	ProjectPath    string
}

// Response is a fused result page.
type Response struct {
	Results          []Result `json:"results"`
	TotalResults     int      `json:"total_results"`
	LexicalHits      int      `json:"lexical_hits"`
	SemanticHits     int      `json:"semantic_hits"`
	Reranked         bool     `json:"reranked"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
}

// Retriever coordinates both engines. The vector side is optional:
// without an embedder the retriever degrades to lexical-only.
type Retriever struct {
	lexical  Lexical
	vectors  Vectors
	embedder Embedder
	reranker Reranker
	topN     int
	log      *zap.Logger
}

// New builds a Retriever. vectors and embedder may be nil together;
// reranker may be nil.
func New(lex Lexical, vectors Vectors, embedder Embedder, rr Reranker, rerankTopN int, log *zap.Logger) *Retriever {
	if rerankTopN <= 0 {
		rerankTopN = 15
	}
	return &Retriever{
		lexical:  lex,
		vectors:  vectors,
		embedder: embedder,
		reranker: rr,
		topN:     rerankTopN,
		log:      log.Named("search"),
	}
}

// Search runs the hybrid query. Each engine is asked for limit*2
// candidates so fusion still fills a page when the lists disagree.
func (r *Retriever) Search(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "search.Hybrid")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("semantic_weight", req.SemanticWeight),
		attribute.Int("limit", req.Limit),
	)

	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.SemanticWeight < 0 || req.SemanticWeight > 1 {
		return nil, fmt.Errorf("search: semantic weight %v outside [0,1]", req.SemanticWeight)
	}

	started := time.Now()
	window := req.Limit * 2

	// An unreachable index degrades the search to the surviving side;
	// the health endpoint carries the outage, not the search error.
	var lexHits []Result
	if req.SemanticWeight < 1 {
		res, err := r.lexical.Search(ctx, lexical.Query{
			Text:        req.Query,
			Limit:       int64(window),
			FileTypes:   req.FileTypes,
			ScanIDs:     req.ScanIDs,
			ProjectPath: req.ProjectPath,
		})
		if err != nil {
			r.log.Warn("lexical side unavailable, degrading to semantic", zap.Error(err))
		} else {
			for _, h := range res.Hits {
				lexHits = append(lexHits, Result{
					DocumentID: h.ID,
					ScanID:     h.ScanID,
					FilePath:   h.FilePath,
					FileName:   h.FileName,
					FileType:   h.FileType,
					Snippet:    h.Snippet,
				})
			}
		}
	}

	var semHits []Result
	if req.SemanticWeight > 0 && r.embedder != nil && r.vectors != nil {
		vec, err := r.embedder.EmbedQuery(ctx, req.Query)
		if err != nil {
			r.log.Warn("query embedding unavailable, degrading to lexical", zap.Error(err))
		} else {
			matches, err := r.vectors.Search(ctx, vec, window,
				vectorstore.Filters{FileTypes: req.FileTypes, ScanIDs: req.ScanIDs},
				vectorstore.SearchOptions{})
			if err != nil {
				r.log.Warn("semantic side unavailable, degrading to lexical", zap.Error(err))
			} else {
				for _, m := range matches {
					semHits = append(semHits, Result{
						DocumentID: m.DocumentID,
						ScanID:     m.ScanID,
						FilePath:   m.FilePath,
						FileName:   m.FileName,
						FileType:   m.FileType,
						Snippet:    m.ChunkText,
					})
				}
			}
		}
	}

	fused := fuseRRF(lexHits, semHits, req.SemanticWeight)

	resp := &Response{
		TotalResults: len(fused),
		LexicalHits:  len(lexHits),
		SemanticHits: len(semHits),
	}

	if r.reranker != nil && len(fused) >= 2 {
		n := r.topN
		if n > len(fused) {
			n = len(fused)
		}
		reranked, err := r.reranker.Rerank(ctx, req.Query, fused[:n])
		if err != nil {
			r.log.Warn("rerank failed, keeping fusion order", zap.Error(err))
		} else {
			fused = append(reranked, fused[n:]...)
			resp.Reranked = true
		}
	}

	start := req.Offset
	if start > len(fused) {
		start = len(fused)
	}
	end := start + req.Limit
	if end > len(fused) {
		end = len(fused)
	}
	resp.Results = fused[start:end]
	if resp.Results == nil {
		resp.Results = []Result{}
	}
	resp.ProcessingTimeMs = time.Since(started).Milliseconds()
	span.SetAttributes(attribute.Int("results", len(resp.Results)))
	return resp, nil
}
