package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	mr, client := testkit.NewRedis(t)
	l := NewLocker(client, Config{MaxWait: 50 * time.Millisecond, RetryInterval: 5 * time.Millisecond}, zap.NewNop())
	key := CustomerKey(testkit.Scope)
	assert.Equal(t, "lock:customer:1001:live:2002", key)

	token, err := l.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, ok, err := l.TryAcquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// a foreign token must not release the lock
	l.Release(ctx, key, "not-the-owner")
	assert.True(t, mr.Exists(key))

	l.Release(ctx, key, token)
	assert.False(t, mr.Exists(key))

	_, ok, err = l.TryAcquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireTimesOut(t *testing.T) {
	ctx := context.Background()
	_, client := testkit.NewRedis(t)
	l := NewLocker(client, Config{MaxWait: 40 * time.Millisecond, RetryInterval: 5 * time.Millisecond}, zap.NewNop())
	key := CustomerKey(testkit.Scope)

	_, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, key, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLockTimeout))
	assert.Equal(t, domain.KindLockAcquisitionTimeout, domain.KindOf(err))
	assert.False(t, domain.FallbackEligible(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireAfterExpiry(t *testing.T) {
	ctx := context.Background()
	mr, client := testkit.NewRedis(t)
	l := NewLocker(client, Config{MaxWait: 40 * time.Millisecond, RetryInterval: 5 * time.Millisecond}, zap.NewNop())
	key := CustomerKey(testkit.Scope)

	_, err := l.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = l.Acquire(ctx, key, time.Second)
	assert.NoError(t, err)
}

func TestTryAcquireValidation(t *testing.T) {
	ctx := context.Background()
	var nilLocker *Locker
	_, _, err := nilLocker.TryAcquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)

	_, client := testkit.NewRedis(t)
	l := NewLocker(client, Config{}, nil)
	_, _, err = l.TryAcquire(ctx, "", time.Second)
	assert.ErrorIs(t, err, ErrLockKeyEmpty)
	_, _, err = l.TryAcquire(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrLockTTLInvalid)
}
