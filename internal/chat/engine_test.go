package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archon/internal/logging"
	"github.com/fyrsmithlabs/archon/internal/vectorstore"
)

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, f.err
}

type fakeVectors struct {
	results []vectorstore.Result
	gotOpts vectorstore.SearchOptions
	gotK    int
}

func (f *fakeVectors) Search(_ context.Context, _ []float32, k int, _ vectorstore.Filters, opts vectorstore.SearchOptions) ([]vectorstore.Result, error) {
	f.gotK = k
	f.gotOpts = opts
	return f.results, nil
}

type fakeGenerator struct {
	answer string
	tokens []string
	err    error
	prompt string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.answer, f.err
}

func (f *fakeGenerator) Stream(_ context.Context, prompt string, emit func(string) error) error {
	f.prompt = prompt
	if f.err != nil {
		return f.err
	}
	for _, tok := range f.tokens {
		if err := emit(tok); err != nil {
			return err
		}
	}
	return nil
}

func newTestEngine(vec *fakeVectors, gen *fakeGenerator) *Engine {
	return New(NewSessionStore(time.Hour, 10), &fakeEmbedder{}, vec, gen,
		nil, RerankConfig{}, "fr", logging.NewNop())
}

func TestAskWithoutRAG(t *testing.T) {
	gen := &fakeGenerator{answer: "Bonjour."}
	e := newTestEngine(&fakeVectors{}, gen)

	reply, err := e.Ask(context.Background(), "s1", "salut", AskOptions{UseRAG: false})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour.", reply.Answer)
	assert.Empty(t, reply.Contexts)
	assert.NotContains(t, gen.prompt, "Extraits de documents")
}

func TestAskRAGRetrievalParameters(t *testing.T) {
	vec := &fakeVectors{results: []vectorstore.Result{
		{DocumentID: 1, FileName: "contrat.pdf", ChunkText: "clause de résiliation", Score: 0.8},
	}}
	gen := &fakeGenerator{answer: "La clause figure dans [Document: contrat.pdf]."}
	e := newTestEngine(vec, gen)

	reply, err := e.Ask(context.Background(), "s1", "quelle clause ?", AskOptions{UseRAG: true, ContextLimit: 5})
	require.NoError(t, err)

	assert.Equal(t, 5, vec.gotK)
	assert.True(t, vec.gotOpts.UseMMR)
	assert.InDelta(t, 0.68, vec.gotOpts.Lambda, 1e-9)
	assert.Equal(t, 18, vec.gotOpts.CandidateMultiplier)
	assert.InDelta(t, 0.25, float64(vec.gotOpts.MinScore), 1e-9)

	require.Len(t, reply.Contexts, 1)
	assert.Equal(t, "contrat.pdf", reply.Contexts[0].FileName)
	assert.Contains(t, gen.prompt, "Extraits de documents")
	assert.Contains(t, gen.prompt, "clause de résiliation")
	assert.Contains(t, gen.prompt, "[Document: contrat.pdf]")
}

func TestAskRAGRefusesWithoutContexts(t *testing.T) {
	gen := &fakeGenerator{answer: "should not be called"}
	e := newTestEngine(&fakeVectors{}, gen)

	reply, err := e.Ask(context.Background(), "s1", "question", AskOptions{UseRAG: true})
	require.NoError(t, err)
	assert.Equal(t, refusalSentence("fr"), reply.Answer)
	assert.Empty(t, reply.Contexts)
	assert.Empty(t, gen.prompt, "the generator must not run on refusal")

	// The refusal still lands in the session history.
	history := e.sessions.Get("s1").History(0)
	require.Len(t, history, 2)
	assert.Equal(t, RoleAssistant, history[1].Role)
}

func TestAskIncludesHistory(t *testing.T) {
	vec := &fakeVectors{results: []vectorstore.Result{{DocumentID: 1, FileName: "a.txt", ChunkText: "x", Score: 0.5}}}
	gen := &fakeGenerator{answer: "ok"}
	e := newTestEngine(vec, gen)

	_, err := e.Ask(context.Background(), "s1", "première question", AskOptions{UseRAG: true, IncludeHistory: true})
	require.NoError(t, err)
	_, err = e.Ask(context.Background(), "s1", "seconde question", AskOptions{UseRAG: true, IncludeHistory: true})
	require.NoError(t, err)

	assert.Contains(t, gen.prompt, "Conversation précédente")
	assert.Contains(t, gen.prompt, "première question")
	// The current question appears as the question, not as history.
	assert.Equal(t, 1, strings.Count(gen.prompt, "seconde question"))
}

func TestStreamEmitsTokensThenTerminal(t *testing.T) {
	vec := &fakeVectors{results: []vectorstore.Result{{DocumentID: 1, FileName: "a.txt", ChunkText: "x", Score: 0.5}}}
	gen := &fakeGenerator{tokens: []string{"La ", "réponse."}}
	e := newTestEngine(vec, gen)

	events, err := e.Stream(context.Background(), "s1", "q", AskOptions{UseRAG: true})
	require.NoError(t, err)

	var tokens []string
	var terminal *StreamEvent
	for ev := range events {
		if ev.Done {
			evCopy := ev
			terminal = &evCopy
			continue
		}
		tokens = append(tokens, ev.Token)
	}
	assert.Equal(t, []string{"La ", "réponse."}, tokens)
	require.NotNil(t, terminal)
	require.Len(t, terminal.Contexts, 1)

	history := e.sessions.Get("s1").History(0)
	require.Len(t, history, 2)
	assert.Equal(t, "La réponse.", history[1].Content)
}

func TestStreamGeneratorError(t *testing.T) {
	vec := &fakeVectors{results: []vectorstore.Result{{DocumentID: 1, ChunkText: "x", Score: 0.5}}}
	gen := &fakeGenerator{err: errors.New("model down")}
	e := newTestEngine(vec, gen)

	events, err := e.Stream(context.Background(), "s1", "q", AskOptions{UseRAG: true})
	require.NoError(t, err)

	var last StreamEvent
	for ev := range events {
		last = ev
	}
	assert.True(t, last.Done)
	assert.Error(t, last.Err)
}

func TestLocaleFallsBackToFrench(t *testing.T) {
	assert.Equal(t, refusalSentences["fr"], refusalSentence("de"))
	assert.Equal(t, refusalSentences["en"], refusalSentence("en"))
	assert.Equal(t, "fr", localeOrFrench(""))
}

func TestSessionStoreIdleTTLAndCap(t *testing.T) {
	ss := NewSessionStore(50*time.Millisecond, 2)

	s := ss.Get("a")
	s.Append(RoleUser, "bonjour")

	// Accessed again within the TTL, the session survives past the
	// original deadline.
	time.Sleep(30 * time.Millisecond)
	ss.Get("a")
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, ss.Get("a").History(0), 1)

	// Idle past the TTL, it is evicted.
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, ss.Get("a").History(0))

	// LRU cap: inserting a third session evicts the oldest.
	ss2 := NewSessionStore(time.Hour, 2)
	ss2.Get("one").Append(RoleUser, "1")
	ss2.Get("two").Append(RoleUser, "2")
	ss2.Get("three").Append(RoleUser, "3")
	assert.LessOrEqual(t, ss2.Len(), 2)
	assert.Empty(t, ss2.Get("one").History(0))
}

func TestSessionHistoryWindow(t *testing.T) {
	s := &Session{ID: "x"}
	for i := 0; i < 15; i++ {
		s.Append(RoleUser, "m")
	}
	assert.Len(t, s.History(10), 10)
	assert.Len(t, s.History(0), 15)
}
