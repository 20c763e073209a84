package redislock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLocker connects to REDIS_URL, skipping when no server is configured.
func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := NewClient(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cfg := DefaultConfig()
	cfg.Prefix = "test:" + uuid.NewString() + ":"
	cfg.TTL = 5 * time.Second
	cfg.RetryEvery = 10 * time.Millisecond
	return New(client, cfg, nil)
}

func TestLockExcludesSecondHolder(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	release, err := l.Lock(ctx, "patient:hid-1")
	require.NoError(t, err)

	_, ok, err := l.TryLock(ctx, "patient:hid-1")
	require.NoError(t, err)
	assert.False(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "patient:hid-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release(ctx))

	release2, err := l.Lock(ctx, "patient:hid-1")
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestUnlockChecksOwner(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	err = l.Unlock(ctx, "k", "someone-else")
	assert.True(t, errors.Is(err, ErrNotOwner))

	require.NoError(t, l.Unlock(ctx, "k", token))
}

func TestNewFillsDefaults(t *testing.T) {
	l := New(nil, Config{Prefix: "p:"}, nil)
	assert.Equal(t, DefaultConfig().TTL, l.config.TTL)
	assert.Equal(t, DefaultConfig().RetryEvery, l.config.RetryEvery)
	assert.Equal(t, "p:", l.config.Prefix)
}
