package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	b := NewTokenBucket(1, 3)
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "burst spent, refill is 1/s")
}

func TestTokenBucketRefills(t *testing.T) {
	b := NewTokenBucket(1000, 1)
	require.True(t, b.Allow())
	require.False(t, b.Allow())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, b.Allow(), "1000/s refills within milliseconds")
}

func TestTokenBucketCapsAtBurst(t *testing.T) {
	b := NewTokenBucket(1000, 2)
	time.Sleep(10 * time.Millisecond)

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "idle time never accumulates past burst")
}

func TestWaitReturnsQuicklyWithTokens(t *testing.T) {
	b := NewTokenBucket(1, 1)
	waited, err := b.Wait(context.Background())
	require.NoError(t, err)
	assert.Less(t, waited, 50*time.Millisecond)
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	b := NewTokenBucket(100, 1)
	require.True(t, b.Allow())

	waited, err := b.Wait(context.Background())
	require.NoError(t, err)
	assert.Greater(t, waited, time.Duration(0))
	assert.Less(t, waited, time.Second)
}

func TestWaitHonorsContext(t *testing.T) {
	b := NewTokenBucket(0.001, 1)
	require.True(t, b.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDefaultsGuardZeroConfig(t *testing.T) {
	b := NewTokenBucket(0, 0)
	assert.True(t, b.Allow(), "zero config falls back to 1/s with burst 1")
}
