package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archon/internal/logging"
)

// fakeRedis keeps snapshots in a map, just enough for the bus.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func TestPublishLatestRoundTrip(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(newFakeRedis(), logging.NewNop())

	got, err := bus.Latest(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got, "no snapshot published yet")

	bus.Publish(ctx, Snapshot{
		ScanID:      7,
		Phase:       PhaseProcessing,
		CurrentFile: "/evidence/report.pdf",
		Processed:   3,
		Total:       10,
	})

	got, err = bus.Latest(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.ScanID)
	assert.Equal(t, PhaseProcessing, got.Phase)
	assert.Equal(t, "/evidence/report.pdf", got.CurrentFile)
	assert.Equal(t, 3, got.Processed)
	assert.False(t, got.At.IsZero(), "Publish stamps the snapshot")
	assert.False(t, got.Terminal())
}

func TestSubscribeClosesAfterTerminal(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(newFakeRedis(), logging.NewNop())

	ch := bus.Subscribe(ctx, 1, 10*time.Millisecond)

	bus.Publish(ctx, Snapshot{ScanID: 1, Phase: PhaseProcessing, Processed: 1, Total: 2})
	first := <-ch
	assert.Equal(t, PhaseProcessing, first.Phase)

	bus.Publish(ctx, Snapshot{
		ScanID:    1,
		Phase:     PhaseTerminal,
		Status:    "completed",
		Processed: 2,
		Total:     2,
		Errors: []ErrorSummary{
			{FilePath: "/evidence/bad.zip", ErrorType: "ExtractionError", Message: "corrupt header"},
		},
	})

	var last Snapshot
	for snap := range ch {
		last = snap
	}
	assert.True(t, last.Terminal(), "stream must end on a terminal snapshot")
	assert.Equal(t, "completed", last.Status)
	require.Len(t, last.Errors, 1)
	assert.Equal(t, "ExtractionError", last.Errors[0].ErrorType)
}

func TestSubscribeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus(newFakeRedis(), logging.NewNop())

	ch := bus.Subscribe(ctx, 42, 10*time.Millisecond)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open, "channel must close on cancellation")
	case <-time.After(time.Second):
		t.Fatal("subscriber did not shut down")
	}
}

func TestSubscribeSkipsUnchangedSnapshots(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(newFakeRedis(), logging.NewNop())

	bus.Publish(ctx, Snapshot{ScanID: 5, Phase: PhaseDetection})
	ch := bus.Subscribe(ctx, 5, 5*time.Millisecond)

	<-ch
	select {
	case snap := <-ch:
		t.Fatalf("unexpected duplicate snapshot: %+v", snap)
	case <-time.After(40 * time.Millisecond):
	}
}
