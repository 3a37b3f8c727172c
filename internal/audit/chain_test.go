package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archon/internal/catalog"
	"github.com/fyrsmithlabs/archon/internal/logging"
)

func newTestLogger(t *testing.T) (*Logger, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewLogger(store, logging.NewNop()), store
}

func TestChainLinkage(t *testing.T) {
	ctx := context.Background()
	logger, _ := newTestLogger(t)

	first, err := logger.Record(ctx, Event{
		Action:  ActionScanStarted,
		Details: map[string]any{"root_path": "/evidence"},
	})
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, first.PreviousHash)
	assert.NotEmpty(t, first.EntryHash)

	second, err := logger.Record(ctx, Event{Action: ActionSearchPerformed})
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PreviousHash)

	res, err := logger.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Entries)
	assert.Empty(t, res.Breaks)
}

func TestChainResumesFromStoredHead(t *testing.T) {
	ctx := context.Background()
	logger, store := newTestLogger(t)

	first, err := logger.Record(ctx, Event{Action: ActionUserLogin})
	require.NoError(t, err)

	// A fresh logger over the same store must chain onto the stored head,
	// not restart at genesis.
	restarted := NewLogger(store, logging.NewNop())
	second, err := restarted.Record(ctx, Event{Action: ActionChatMessage})
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PreviousHash)

	res, err := restarted.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	logger, store := newTestLogger(t)

	_, err := logger.Record(ctx, Event{Action: ActionScanStarted, Details: map[string]any{"root_path": "/evidence"}})
	require.NoError(t, err)
	_, err = logger.Record(ctx, Event{Action: ActionScanCompleted})
	require.NoError(t, err)

	// Forge a row straight into the store, bypassing the chain.
	require.NoError(t, store.InsertAuditEntry(ctx, &catalog.AuditEntry{
		Action:       ActionScanDeleted,
		EntryHash:    "forged",
		PreviousHash: "nonsense",
		CreatedAt:    time.Now().UTC(),
	}))

	res, err := logger.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Breaks)
}

func TestComputeHashDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	first := ComputeHash("scan_started", at, `{"a":1}`, GenesisHash)
	assert.Equal(t, first, ComputeHash("scan_started", at, `{"a":1}`, GenesisHash))
	assert.NotEqual(t, first, ComputeHash("scan_started", at, `{"a":2}`, GenesisHash))
	// Sub-second precision must not change the hash once normalized.
	assert.Equal(t, first, ComputeHash("scan_started", at.Add(200*time.Millisecond), `{"a":1}`, GenesisHash))
}
