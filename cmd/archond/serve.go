package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/auth"
	"github.com/fyrsmithlabs/archon/internal/chat"
	"github.com/fyrsmithlabs/archon/internal/ingest"
	"github.com/fyrsmithlabs/archon/internal/progress"
	"github.com/fyrsmithlabs/archon/internal/ratelimit"
	"github.com/fyrsmithlabs/archon/internal/reranker"
	"github.com/fyrsmithlabs/archon/internal/search"
	"github.com/fyrsmithlabs/archon/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	var authSvc *auth.Service
	if cfg.Auth.JWTSecretKey.IsSet() {
		issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecretKey.Value(),
			time.Duration(cfg.Auth.ExpireMinutes)*time.Minute,
			cfg.Auth.RefreshExpire.Duration())
		if err != nil {
			return fmt.Errorf("creating token issuer: %w", err)
		}
		authSvc = auth.NewService(a.store, issuer, a.log)
	}

	var rr search.Reranker
	if cfg.Rerank.Enabled && a.llm != nil {
		rr = search.NewScorerReranker(reranker.NewGeminiScorer(a.llm, cfg.Rerank.Model, a.log))
	}
	var (
		searchVec search.Vectors
		searchEmb search.Embedder
	)
	if a.vec != nil {
		searchVec = a.vec
	}
	if a.emb != nil {
		searchEmb = a.emb
	}
	retriever := search.New(a.lex, searchVec, searchEmb, rr, cfg.Rerank.TopN, a.log)

	var chatter server.Chatter
	if a.llm != nil && a.vec != nil {
		sessions := chat.NewSessionStore(cfg.Chat.SessionTTL.Duration(), cfg.Chat.MaxSessions)
		generator := chat.NewGeminiGenerator(a.llm, cfg.Gemini.ChatModel)
		var scorer reranker.Scorer
		if cfg.Rerank.Enabled {
			scorer = reranker.NewGeminiScorer(a.llm, cfg.Rerank.Model, a.log)
		}
		chatter = chat.New(sessions, a.emb, a.vec, generator, scorer, chat.RerankConfig{
			Enabled: cfg.Rerank.Enabled,
			TopN:    cfg.Rerank.TopN,
			TopKOut: cfg.Rerank.TopKOut,
		}, cfg.Chat.Locale, a.log)
	}

	enqueuer := ingest.NewEnqueuer(a.redisOpt(), cfg.Ingest.TaskTimeout.Duration(), a.log)
	defer enqueuer.Close()

	checks := map[string]func(ctx context.Context) error{
		"catalog":     a.store.Ping,
		"meilisearch": a.lex.Ping,
		"redis": func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		},
	}
	if a.vec != nil {
		checks["qdrant"] = a.vec.Ping
	}
	if cfg.SemanticEnabled() {
		// The Gemini API has no ping surface; report configuration only.
		checks["gemini"] = func(context.Context) error { return nil }
	}

	srv, err := server.NewServer(server.Deps{
		Store:    a.store,
		Auth:     authSvc,
		Search:   retriever,
		Chat:     chatter,
		Ingest:   a.newOrchestrator(),
		Tasks:    enqueuer,
		Progress: progress.NewBus(a.rdb, a.log),
		Audit:    a.auditor,
		Limiter: ratelimit.New(a.rdb, cfg.RateLimit.MaxRequests,
			cfg.RateLimit.Window.Duration(), a.log),
		Metrics: a.metrics,
		Log:     a.log,
		Checks:  checks,
	}, server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		DisableAuth: cfg.Auth.DisableAuth,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	a.log.Info("archond serving",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version))

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
