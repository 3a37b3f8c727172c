// Package embeddings wraps the Gemini embedding API and the chunking
// used to split documents before vector indexing.
package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Task types steer the embedding model; documents and queries use
// different projections.
const (
	taskDocument = "RETRIEVAL_DOCUMENT"
	taskQuery    = "RETRIEVAL_QUERY"
)

// maxBatch bounds one EmbedContent call.
const maxBatch = 100

// Client embeds text through Gemini. All vectors share the dimension
// declared at construction.
type Client struct {
	models    *genai.Models
	model     string
	dimension int
	limiter   *rate.Limiter
	log       *zap.Logger
}

// New creates an embedding client. dimension is the fixed vector width
// every upsert and query must match. requestsPerMinute throttles
// outbound API calls; zero disables throttling.
func New(ctx context.Context, apiKey, model string, dimension, requestsPerMinute int, log *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embeddings: api key required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dimension <= 0 {
		dimension = 768
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: creating genai client: %w", err)
	}
	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}
	return &Client{
		models:    gc.Models,
		model:     model,
		dimension: dimension,
		limiter:   limiter,
		log:       log.Named("embeddings"),
	}, nil
}

// Dimension returns the fixed vector width.
func (c *Client) Dimension() int {
	return c.dimension
}

// EmbedDocument embeds text for storage.
func (c *Client) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, []string{text}, taskDocument)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedQuery embeds a search query.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, []string{text}, taskQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts for storage. The result is positionally
// aligned with the input: when a sub-batch fails even after per-item
// retry, the failed positions hold zero vectors so chunk indexes stay
// stable.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := start + maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]
		vecs, err := c.embed(ctx, batch, taskDocument)
		if err != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c.log.Warn("batch embedding failed, retrying items individually",
				zap.Int("batch_size", len(batch)), zap.Error(err))
			vecs = c.embedIndividually(ctx, batch)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedIndividually(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vecs, err := c.embed(ctx, []string{t}, taskDocument)
		if err != nil {
			c.log.Warn("item embedding failed, substituting zero vector", zap.Error(err))
			out[i] = make([]float32, c.dimension)
			continue
		}
		out[i] = vecs[0]
	}
	return out
}

func (c *Client) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embeddings: %w", err)
		}
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	dim := int32(c.dimension)
	resp, err := c.models.EmbedContent(ctx, c.model, contents, &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if len(e.Values) != c.dimension {
			return nil, fmt.Errorf("embeddings: vector dimension %d, want %d", len(e.Values), c.dimension)
		}
		out[i] = e.Values
	}
	return out, nil
}
