package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLocker(client), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()
	res := InstanceResource("i-abc")

	ok, err := l.Acquire(ctx, res, "owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, res, "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing frees it for the next owner.
	released, err := l.Release(ctx, res, "owner-1")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = l.Acquire(ctx, res, "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenewOnlyByOwner(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()
	res := InstanceResource("i-abc")

	ok, err := l.Acquire(ctx, res, "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := l.Renew(ctx, res, "owner-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	renewed, err = l.Renew(ctx, res, "owner-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()
	res := InstanceResource("i-abc")

	ok, err := l.Acquire(ctx, res, "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Release(ctx, res, "owner-2")
	require.NoError(t, err)
	assert.False(t, released)

	// owner-1 still holds it.
	ok, err = l.Acquire(ctx, res, "owner-3", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireExpiresWithTTL(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()
	res := InstanceResource("i-abc")

	ok, err := l.Acquire(ctx, res, "owner-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = l.Acquire(ctx, res, "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHoldContended(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()
	res := InstanceResource("i-busy")

	ok, err := l.Acquire(ctx, res, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = l.Hold(ctx, res, "owner-1", time.Minute, 20*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestGuardCancelsWhenLockLost(t *testing.T) {
	l, mr := newLocker(t)
	res := InstanceResource("i-abc")

	guard, err := l.Hold(context.Background(), res, "owner-1", time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	defer guard.Close()

	// Simulate another holder stealing the key out from under us.
	mr.Del(keyPrefix + res)

	select {
	case <-guard.Context().Done():
		assert.ErrorIs(t, context.Cause(guard.Context()), ErrLockLost)
	case <-time.After(2 * time.Second):
		t.Fatal("guard context not cancelled after losing the lock")
	}
}

func TestGuardCloseReleases(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()
	res := InstanceResource("i-abc")

	guard, err := l.Hold(ctx, res, "owner-1", time.Minute, 20*time.Second)
	require.NoError(t, err)
	guard.Close()

	ok, err := l.Acquire(ctx, res, "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
