package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archon/internal/logging"
)

func TestLocalWindowAdmitsUpToLimit(t *testing.T) {
	l := New(nil, 3, time.Minute, logging.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "10.0.0.1")
		assert.True(t, d.Allowed, "request %d", i)
	}

	d := l.Allow(ctx, "10.0.0.1")
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestLocalWindowIsPerKey(t *testing.T) {
	l := New(nil, 1, time.Minute, logging.NewNop())
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "10.0.0.1").Allowed)
	assert.False(t, l.Allow(ctx, "10.0.0.1").Allowed)
	assert.True(t, l.Allow(ctx, "10.0.0.2").Allowed)
}

func TestLocalWindowSlides(t *testing.T) {
	l := New(nil, 2, 50*time.Millisecond, logging.NewNop())
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "k").Allowed)
	assert.True(t, l.Allow(ctx, "k").Allowed)
	assert.False(t, l.Allow(ctx, "k").Allowed)

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.Allow(ctx, "k").Allowed, "window must slide past old requests")
}

func TestDeniedRequestsDoNotExtendLockout(t *testing.T) {
	l := New(nil, 1, 80*time.Millisecond, logging.NewNop())
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "k").Allowed)
	// Hammering while locked out must not push the unlock further away.
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow(ctx, "k").Allowed)
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(80 * time.Millisecond)
	assert.True(t, l.Allow(ctx, "k").Allowed)
}

func TestRemainingCountsDown(t *testing.T) {
	l := New(nil, 3, time.Minute, logging.NewNop())
	ctx := context.Background()

	assert.Equal(t, 2, l.Allow(ctx, "k").Remaining)
	assert.Equal(t, 1, l.Allow(ctx, "k").Remaining)
	assert.Equal(t, 0, l.Allow(ctx, "k").Remaining)
}

func TestDefaults(t *testing.T) {
	l := New(nil, 0, 0, logging.NewNop())
	assert.Equal(t, 120, l.limit)
	assert.Equal(t, time.Minute, l.window)
}
