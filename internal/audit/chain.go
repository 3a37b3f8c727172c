// Package audit maintains the tamper-evident action log. Every entry
// carries a SHA-256 hash over its own fields plus the previous entry's
// hash, forming a chain whose integrity can be verified end to end.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/catalog"
)

// GenesisHash seeds the chain before any entry exists.
const GenesisHash = "GENESIS"

// Known actions. Free-form strings are accepted; these are the ones the
// platform emits itself.
const (
	ActionScanStarted       = "scan_started"
	ActionScanCompleted     = "scan_completed"
	ActionScanCancelled     = "scan_cancelled"
	ActionScanFailed        = "scan_failed"
	ActionScanDeleted       = "scan_deleted"
	ActionDocumentViewed    = "document_viewed"
	ActionDocumentReindexed = "document_reindexed"
	ActionSearchPerformed   = "search_performed"
	ActionChatMessage       = "chat_message"
	ActionEntityMerged      = "entity_merged"
	ActionUserRegistered    = "user_registered"
	ActionUserLogin         = "user_login"
)

// Event is one action to append to the chain.
type Event struct {
	Action     string
	DocumentID *int64
	ScanID     *int64
	Details    map[string]any
	UserIP     string
}

// Break describes where chain verification failed.
type Break struct {
	EntryID int64  `json:"entry_id"`
	Reason  string `json:"reason"`
}

// VerifyResult is the outcome of a full chain walk.
type VerifyResult struct {
	Valid   bool    `json:"valid"`
	Entries int     `json:"entries"`
	Breaks  []Break `json:"breaks,omitempty"`
}

// Logger appends to and verifies the hash chain. Appends are serialized
// so the previous-hash linkage cannot race.
type Logger struct {
	store *catalog.Store
	log   *zap.Logger

	mu       sync.Mutex
	lastHash string
	primed   bool
}

// NewLogger creates an audit logger over the catalog store.
func NewLogger(store *catalog.Store, log *zap.Logger) *Logger {
	return &Logger{store: store, log: log.Named("audit")}
}

// Record appends one entry to the chain. Failures are surfaced to the
// caller; most call sites log and continue since auditing must not take
// down the operation it describes.
func (l *Logger) Record(ctx context.Context, ev Event) (*catalog.AuditEntry, error) {
	details := ""
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return nil, fmt.Errorf("marshaling audit details: %w", err)
		}
		details = string(raw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.primed {
		last, err := l.store.LastAuditEntry(ctx)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			l.lastHash = GenesisHash
		case err != nil:
			return nil, fmt.Errorf("loading chain head: %w", err)
		default:
			l.lastHash = last.EntryHash
		}
		l.primed = true
	}

	entry := &catalog.AuditEntry{
		Action:       ev.Action,
		DocumentID:   ev.DocumentID,
		ScanID:       ev.ScanID,
		Details:      details,
		UserIP:       ev.UserIP,
		PreviousHash: l.lastHash,
		CreatedAt:    time.Now().UTC(),
	}
	entry.EntryHash = ComputeHash(entry.Action, entry.CreatedAt, entry.Details, entry.PreviousHash)

	if err := l.store.InsertAuditEntry(ctx, entry); err != nil {
		return nil, err
	}
	l.lastHash = entry.EntryHash
	l.log.Debug("audit entry recorded",
		zap.String("action", entry.Action),
		zap.Int64("entry_id", entry.ID))
	return entry, nil
}

// RecordBestEffort appends an entry and logs instead of failing.
func (l *Logger) RecordBestEffort(ctx context.Context, ev Event) {
	if _, err := l.Record(ctx, ev); err != nil {
		l.log.Warn("audit record failed", zap.String("action", ev.Action), zap.Error(err))
	}
}

// Verify walks the whole chain and reports every linkage or hash
// mismatch.
func (l *Logger) Verify(ctx context.Context) (*VerifyResult, error) {
	entries, err := l.store.AllAuditEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit chain: %w", err)
	}

	result := &VerifyResult{Valid: true, Entries: len(entries)}
	prev := GenesisHash
	for _, e := range entries {
		if e.PreviousHash != prev {
			result.Breaks = append(result.Breaks, Break{
				EntryID: e.ID,
				Reason:  fmt.Sprintf("previous hash mismatch: have %s, want %s", e.PreviousHash, prev),
			})
		}
		want := ComputeHash(e.Action, e.CreatedAt, e.Details, e.PreviousHash)
		if e.EntryHash != want {
			result.Breaks = append(result.Breaks, Break{
				EntryID: e.ID,
				Reason:  "entry hash mismatch",
			})
		}
		prev = e.EntryHash
	}
	result.Valid = len(result.Breaks) == 0
	return result, nil
}

// ComputeHash derives an entry hash from the chained fields. The
// timestamp is normalized to UTC RFC 3339 so verification is stable
// across storage round-trips.
func ComputeHash(action string, createdAt time.Time, details, previousHash string) string {
	payload := action + "|" + createdAt.UTC().Format(time.RFC3339) + "|" + details + "|" + previousHash
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
