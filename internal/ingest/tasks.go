package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TaskTypeScanRun is the asynq task type for running a scan.
const TaskTypeScanRun = "scan:run"

// QueueIngest is the queue all scan tasks land on. Served with
// concurrency 1 so scans never compete for OCR and mount resources.
const QueueIngest = "ingest"

// taskRetention keeps finished task records inspectable for a day.
const taskRetention = 24 * time.Hour

type scanPayload struct {
	ScanID int64 `json:"scan_id"`
}

func scanTaskID(scanID int64) string {
	return fmt.Sprintf("scan:%d", scanID)
}

// Enqueuer submits and cancels scan tasks.
type Enqueuer struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	timeout   time.Duration
	log       *zap.Logger
}

// NewEnqueuer creates an Enqueuer on the given Redis connection.
// timeout bounds a single scan run.
func NewEnqueuer(redisOpt asynq.RedisClientOpt, timeout time.Duration, log *zap.Logger) *Enqueuer {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Enqueuer{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		timeout:   timeout,
		log:       log.Named("ingest.tasks"),
	}
}

// Close releases the underlying Redis connections.
func (e *Enqueuer) Close() error {
	ierr := e.inspector.Close()
	if err := e.client.Close(); err != nil {
		return err
	}
	return ierr
}

// Enqueue submits the scan task and returns its task handle. The task
// id is derived from the scan id, so re-enqueueing an unfinished scan
// fails with asynq.ErrTaskIDConflict.
func (e *Enqueuer) Enqueue(ctx context.Context, scanID int64) (string, error) {
	payload, err := json.Marshal(scanPayload{ScanID: scanID})
	if err != nil {
		return "", fmt.Errorf("marshaling scan payload: %w", err)
	}
	// A finished task is retained under the same id; drop it so a
	// resumed scan can re-enqueue.
	if err := e.inspector.DeleteTask(QueueIngest, scanTaskID(scanID)); err != nil {
		e.log.Debug("no retained task to drop", zap.Int64("scan_id", scanID), zap.Error(err))
	}
	task := asynq.NewTask(TaskTypeScanRun, payload)
	info, err := e.client.EnqueueContext(ctx, task,
		asynq.TaskID(scanTaskID(scanID)),
		asynq.Queue(QueueIngest),
		asynq.Timeout(e.timeout),
		asynq.MaxRetry(0),
		asynq.Retention(taskRetention),
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing scan %d: %w", scanID, err)
	}
	e.log.Info("scan task enqueued", zap.Int64("scan_id", scanID), zap.String("task_id", info.ID))
	return info.ID, nil
}

// Cancel stops the scan's task: a running one gets its context
// cancelled, a still-pending one is deleted from the queue. The task
// id is derived from the scan id.
func (e *Enqueuer) Cancel(ctx context.Context, scanID int64) error {
	id := scanTaskID(scanID)
	if err := e.inspector.CancelProcessing(id); err != nil {
		return fmt.Errorf("cancelling task %s: %w", id, err)
	}
	// Best effort for tasks that never started.
	if err := e.inspector.DeleteTask(QueueIngest, id); err != nil {
		e.log.Debug("deleting pending task", zap.String("task_id", id), zap.Error(err))
	}
	return nil
}

// HandleScanTask is the asynq handler for TaskTypeScanRun.
func (o *Orchestrator) HandleScanTask(ctx context.Context, t *asynq.Task) error {
	var payload scanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding scan payload: %w", err)
	}
	taskID, _ := asynq.GetTaskID(ctx)
	return o.Run(ctx, payload.ScanID, taskID)
}

// NewMux builds the worker-side task router.
func NewMux(o *Orchestrator) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeScanRun, o.HandleScanTask)
	return mux
}
