// Package progress publishes scan progress snapshots through Redis and
// lets subscribers poll them for live streaming.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Phases of a scan's lifetime as seen by subscribers.
const (
	PhaseDetection  = "detection"
	PhaseProcessing = "processing"
	PhaseTerminal   = "terminal"
)

// DefaultPollInterval is the subscriber poll cadence.
const DefaultPollInterval = 500 * time.Millisecond

// snapshotTTL keeps finished-scan snapshots around for late readers.
const snapshotTTL = 24 * time.Hour

// ErrorSummary is one recent per-file error carried on the terminal
// snapshot.
type ErrorSummary struct {
	FilePath  string `json:"file_path"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// Snapshot is the full progress state at one instant. Messages are
// snapshots, not deltas; subscribers may miss intermediate ones.
type Snapshot struct {
	ScanID      int64          `json:"scan_id"`
	Phase       string         `json:"phase"`
	Status      string         `json:"status,omitempty"`
	CurrentFile string         `json:"current_file,omitempty"`
	Processed   int            `json:"processed"`
	Failed      int            `json:"failed"`
	Total       int            `json:"total"`
	Errors      []ErrorSummary `json:"errors,omitempty"` // terminal only, last 10
	At          time.Time      `json:"at"`
}

// Terminal reports whether this snapshot closes the stream.
func (s Snapshot) Terminal() bool {
	return s.Phase == PhaseTerminal
}

// Client is the slice of the Redis API the bus needs. Satisfied by
// redis.UniversalClient.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Bus stores the latest snapshot per scan in Redis.
type Bus struct {
	rdb Client
	log *zap.Logger
}

// NewBus creates a Bus.
func NewBus(rdb Client, log *zap.Logger) *Bus {
	return &Bus{rdb: rdb, log: log.Named("progress")}
}

func snapshotKey(scanID int64) string {
	return fmt.Sprintf("progress:scan:%d", scanID)
}

// Publish overwrites the scan's snapshot. Publish failures are logged,
// not propagated: progress is best effort and must never fail a scan.
func (b *Bus) Publish(ctx context.Context, snap Snapshot) {
	snap.At = time.Now().UTC()
	raw, err := json.Marshal(snap)
	if err != nil {
		b.log.Warn("marshaling progress snapshot", zap.Error(err))
		return
	}
	if err := b.rdb.Set(ctx, snapshotKey(snap.ScanID), raw, snapshotTTL).Err(); err != nil {
		b.log.Warn("publishing progress snapshot",
			zap.Int64("scan_id", snap.ScanID), zap.Error(err))
	}
}

// Latest returns the scan's current snapshot, or nil when none exists.
func (b *Bus) Latest(ctx context.Context, scanID int64) (*Snapshot, error) {
	raw, err := b.rdb.Get(ctx, snapshotKey(scanID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("progress: reading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("progress: decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Subscribe polls the scan's snapshot every interval and sends changed
// ones on the returned channel. The channel closes after a terminal
// snapshot or when ctx is done. Delivery is at-least-once.
func (b *Bus) Subscribe(ctx context.Context, scanID int64, interval time.Duration) <-chan Snapshot {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	out := make(chan Snapshot, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastAt time.Time
		for {
			snap, err := b.Latest(ctx, scanID)
			if err != nil {
				b.log.Debug("progress poll failed", zap.Int64("scan_id", scanID), zap.Error(err))
			} else if snap != nil && snap.At.After(lastAt) {
				lastAt = snap.At
				select {
				case out <- *snap:
				case <-ctx.Done():
					return
				}
				if snap.Terminal() {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
