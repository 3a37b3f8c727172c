package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/fyrsmithlabs/archon/internal/audit"
	"github.com/fyrsmithlabs/archon/internal/catalog"
	"github.com/fyrsmithlabs/archon/internal/config"
	"github.com/fyrsmithlabs/archon/internal/embeddings"
	"github.com/fyrsmithlabs/archon/internal/entities"
	"github.com/fyrsmithlabs/archon/internal/extract"
	"github.com/fyrsmithlabs/archon/internal/ingest"
	"github.com/fyrsmithlabs/archon/internal/lexical"
	"github.com/fyrsmithlabs/archon/internal/logging"
	"github.com/fyrsmithlabs/archon/internal/progress"
	"github.com/fyrsmithlabs/archon/internal/telemetry"
	"github.com/fyrsmithlabs/archon/internal/vectorstore"
)

// app holds the dependencies shared by the serve and worker commands.
// The semantic stack (embeddings, vectors, LLM client) is nil when no
// Gemini credential is configured; consumers degrade accordingly.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *catalog.Store
	lex     *lexical.Index
	vec     *vectorstore.Store
	emb     *embeddings.Client
	llm     *genai.Client
	rdb     *redis.Client
	auditor *audit.Logger
	metrics *telemetry.Metrics
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	store, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	lex, err := lexical.New(lexical.Config{
		Host:   cfg.Meili.URL,
		APIKey: cfg.Meili.APIKey.Value(),
		Index:  cfg.Meili.Index,
	}, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connecting to meilisearch: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		lex:     lex,
		auditor: audit.NewLogger(store, log),
		metrics: telemetry.New(),
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Value(),
			DB:       cfg.Redis.DB,
		}),
	}

	if cfg.SemanticEnabled() {
		if err := a.initSemantic(ctx); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		log.Warn("no LLM credential configured, running lexical-only")
	}
	return a, nil
}

// initSemantic brings up the embedding client, the Gemini client used
// for chat and reranking, and the vector store.
func (a *app) initSemantic(ctx context.Context) error {
	emb, err := embeddings.New(ctx, a.cfg.Gemini.APIKey.Value(),
		a.cfg.Gemini.EmbedModel, a.cfg.Gemini.EmbedDimension,
		a.cfg.Gemini.RequestsPerMinute, a.log)
	if err != nil {
		return fmt.Errorf("creating embedding client: %w", err)
	}

	llm, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  a.cfg.Gemini.APIKey.Value(),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("creating genai client: %w", err)
	}

	vec, err := vectorstore.New(vectorstore.Config{
		Host:       a.cfg.Qdrant.Host,
		Port:       a.cfg.Qdrant.Port,
		Collection: a.cfg.Qdrant.Collection,
		Dimension:  a.cfg.Gemini.EmbedDimension,
		UseTLS:     a.cfg.Qdrant.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	if err := vec.EnsureCollection(ctx); err != nil {
		vec.Close()
		return fmt.Errorf("ensuring qdrant collection: %w", err)
	}

	a.emb = emb
	a.llm = llm
	a.vec = vec
	return nil
}

func (a *app) Close() {
	if a.vec != nil {
		a.vec.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func (a *app) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password.Value(),
		DB:       a.cfg.Redis.DB,
	}
}

// newOrchestrator assembles the ingestion pipeline. Nil-interface
// guards keep degraded collaborators truly nil instead of typed-nil
// pointers.
func (a *app) newOrchestrator() *ingest.Orchestrator {
	cfg := a.cfg
	registry := extract.NewRegistry(a.log, extract.Options{
		VideoTimeout: cfg.Ingest.FrameTimeout.Duration(),
		PSTTimeout:   cfg.Ingest.PSTTimeout.Duration(),
		DisableOCR:   !cfg.Ingest.EnableOCR,
	})

	deps := ingest.Deps{
		Store:     a.store,
		Extractor: registry,
		Lexical:   a.lex,
		Mounter:   extract.NewMounter(cfg.Ingest.MountTimeout.Duration(), a.log),
		Progress:  progress.NewBus(a.rdb, a.log),
		Audit:     a.auditor,
		Metrics:   a.metrics,
		Log:       a.log,
	}
	if a.vec != nil {
		deps.Vectors = a.vec
	}
	if a.emb != nil {
		deps.Embedder = a.emb
	}
	if cfg.Ingest.EnableNER {
		deps.Entities = entities.New(a.log)
	}

	return ingest.New(deps, ingest.Config{
		ScanRoot:        cfg.Ingest.ScanRootPath,
		MaxArchiveDepth: cfg.Ingest.MaxArchiveDepth,
		ChunkSize:       cfg.Ingest.ChunkSize,
		ChunkOverlap:    cfg.Ingest.ChunkOverlap,
	})
}
