package chat

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/reranker"
	"github.com/fyrsmithlabs/archon/internal/vectorstore"
)

// Retrieval parameters for chat grounding. MMR with a high candidate
// multiplier keeps the context set diverse; the score floor drops
// chunks that merely resemble the question's phrasing.
const (
	chatMMRLambda      = 0.68
	chatCandidateMult  = 18
	chatMinScore       = 0.25
	historyWindowTurns = 10
)

// Embedder turns the user question into a query vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Vectors retrieves grounding chunks.
type Vectors interface {
	Search(ctx context.Context, queryVector []float32, k int, filters vectorstore.Filters, opts vectorstore.SearchOptions) ([]vectorstore.Result, error)
}

// Generator produces model output for a prompt. Stream calls emit in
// order; a non-nil error from emit cancels generation.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string, emit func(token string) error) error
}

// Context is one grounding passage returned alongside an answer.
type Context struct {
	DocumentID int64   `json:"document_id"`
	FileName   string  `json:"file_name"`
	FilePath   string  `json:"file_path"`
	Excerpt    string  `json:"excerpt"`
	Score      float32 `json:"score"`
}

// AskOptions tune one exchange.
type AskOptions struct {
	UseRAG         bool
	ContextLimit   int
	IncludeHistory bool
}

// Reply is a complete (non-streamed) answer.
type Reply struct {
	SessionID string    `json:"session_id"`
	Answer    string    `json:"answer"`
	Contexts  []Context `json:"contexts"`
}

// StreamEvent is one streaming emission. The terminal event has Done
// set and carries the contexts; Token is empty on it.
type StreamEvent struct {
	Token    string    `json:"token,omitempty"`
	Done     bool      `json:"done,omitempty"`
	Contexts []Context `json:"contexts,omitempty"`
	Err      error     `json:"-"`
}

// RerankConfig enables LLM reranking of retrieved contexts.
type RerankConfig struct {
	Enabled bool
	TopN    int
	TopKOut int
}

// Engine is the RAG conversation engine.
type Engine struct {
	sessions  *SessionStore
	embedder  Embedder
	vectors   Vectors
	generator Generator
	scorer    reranker.Scorer
	rerank    RerankConfig
	locale    string
	tracer    trace.Tracer
	log       *zap.Logger
}

// New builds the engine. embedder/vectors may be nil; RAG requests then
// answer with the refusal sentence. scorer may be nil.
func New(sessions *SessionStore, embedder Embedder, vectors Vectors, generator Generator,
	scorer reranker.Scorer, rerank RerankConfig, locale string, log *zap.Logger) *Engine {
	return &Engine{
		sessions:  sessions,
		embedder:  embedder,
		vectors:   vectors,
		generator: generator,
		scorer:    scorer,
		rerank:    rerank,
		locale:    locale,
		tracer:    otel.Tracer("archon.chat"),
		log:       log.Named("chat"),
	}
}

// Ask runs one full exchange and returns the complete answer.
func (e *Engine) Ask(ctx context.Context, sessionID, message string, opts AskOptions) (*Reply, error) {
	ctx, span := e.tracer.Start(ctx, "chat.Ask")
	defer span.End()
	span.SetAttributes(attribute.Bool("use_rag", opts.UseRAG))

	session := e.sessions.Get(sessionID)
	session.Append(RoleUser, message)

	contexts, refuse, err := e.retrieve(ctx, message, opts)
	if err != nil {
		return nil, err
	}
	if refuse {
		answer := refusalSentence(e.locale)
		session.Append(RoleAssistant, answer)
		return &Reply{SessionID: session.ID, Answer: answer, Contexts: nil}, nil
	}

	prompt := e.buildPrompt(session, message, contexts, opts)
	answer, err := e.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("chat: generating answer: %w", err)
	}
	session.Append(RoleAssistant, answer)
	return &Reply{SessionID: session.ID, Answer: answer, Contexts: contexts}, nil
}

// Stream runs one exchange, emitting tokens on the returned channel.
// The channel closes after a terminal event carrying the contexts.
func (e *Engine) Stream(ctx context.Context, sessionID, message string, opts AskOptions) (<-chan StreamEvent, error) {
	ctx, span := e.tracer.Start(ctx, "chat.Stream")

	session := e.sessions.Get(sessionID)
	session.Append(RoleUser, message)

	contexts, refuse, err := e.retrieve(ctx, message, opts)
	if err != nil {
		span.End()
		return nil, err
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer span.End()

		if refuse {
			answer := refusalSentence(e.locale)
			session.Append(RoleAssistant, answer)
			events <- StreamEvent{Token: answer}
			events <- StreamEvent{Done: true}
			return
		}

		prompt := e.buildPrompt(session, message, contexts, opts)
		var full strings.Builder
		err := e.generator.Stream(ctx, prompt, func(token string) error {
			full.WriteString(token)
			select {
			case events <- StreamEvent{Token: token}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			events <- StreamEvent{Err: err, Done: true}
			return
		}
		session.Append(RoleAssistant, full.String())
		events <- StreamEvent{Done: true, Contexts: contexts}
	}()
	return events, nil
}

// retrieve gathers grounding contexts. refuse is true when RAG was
// requested but nothing relevant was found (or retrieval is not
// configured).
func (e *Engine) retrieve(ctx context.Context, message string, opts AskOptions) (contexts []Context, refuse bool, err error) {
	if !opts.UseRAG {
		return nil, false, nil
	}
	if e.embedder == nil || e.vectors == nil {
		return nil, true, nil
	}

	limit := opts.ContextLimit
	if limit <= 0 {
		limit = 5
	}
	if e.rerank.Enabled && e.rerank.TopN > limit {
		limit = e.rerank.TopN
	}

	vec, err := e.embedder.EmbedQuery(ctx, message)
	if err != nil {
		return nil, false, fmt.Errorf("chat: embedding question: %w", err)
	}
	matches, err := e.vectors.Search(ctx, vec, limit, vectorstore.Filters{}, vectorstore.SearchOptions{
		UseMMR:              true,
		Lambda:              chatMMRLambda,
		CandidateMultiplier: chatCandidateMult,
		MinScore:            chatMinScore,
	})
	if err != nil {
		return nil, false, fmt.Errorf("chat: retrieving contexts: %w", err)
	}
	if len(matches) == 0 {
		return nil, true, nil
	}

	matches = e.maybeRerank(ctx, message, matches, opts)
	for _, m := range matches {
		contexts = append(contexts, Context{
			DocumentID: m.DocumentID,
			FileName:   m.FileName,
			FilePath:   m.FilePath,
			Excerpt:    m.ChunkText,
			Score:      m.Score,
		})
	}
	return contexts, false, nil
}

func (e *Engine) maybeRerank(ctx context.Context, query string, matches []vectorstore.Result, opts AskOptions) []vectorstore.Result {
	if !e.rerank.Enabled || e.scorer == nil || len(matches) < 2 {
		return matches
	}

	passages := make([]reranker.Passage, len(matches))
	ids := make([]int64, len(matches))
	byID := make(map[int64]vectorstore.Result, len(matches))
	for i, m := range matches {
		passages[i] = reranker.Passage{ID: m.DocumentID, Text: reranker.Truncate(m.ChunkText)}
		ids[i] = m.DocumentID
		byID[m.DocumentID] = m
	}

	scores, err := e.scorer.Score(ctx, query, passages)
	if err != nil {
		e.log.Warn("context rerank failed, keeping retrieval order", zap.Error(err))
		scores = map[int64]float64{}
	}

	topKOut := e.rerank.TopKOut
	if topKOut <= 0 {
		topKOut = opts.ContextLimit
	}
	ordered := reranker.Apply(ids, scores, topKOut)
	out := make([]vectorstore.Result, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, byID[id])
	}
	return out
}
