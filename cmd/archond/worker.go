package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/ingest"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start an ingestion worker",
	Long: `Start a worker that consumes scan tasks from the ingest queue
and runs the ingestion pipeline against the catalog and indexes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWorker(ctx)
	},
}

func runWorker(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := asynq.NewServer(a.redisOpt(), asynq.Config{
		Concurrency: a.cfg.Ingest.WorkerConcurrency,
		Queues:      map[string]int{ingest.QueueIngest: 1},
	})

	if err := srv.Start(ingest.NewMux(a.newOrchestrator())); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	a.log.Info("archond worker started",
		zap.Int("concurrency", a.cfg.Ingest.WorkerConcurrency),
		zap.String("queue", ingest.QueueIngest),
		zap.String("version", version))

	<-ctx.Done()
	a.log.Info("shutting down worker")
	srv.Shutdown()
	return nil
}
