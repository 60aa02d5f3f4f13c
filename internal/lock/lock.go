// Package lock serializes store mutations per customer with a Redis mutex.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"go.uber.org/zap"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const keyCustomerLock = "lock:customer:%s:%s:%s"

var (
	ErrLockNotConfigured = errors.New("lock_client_not_configured")
	ErrLockKeyEmpty      = errors.New("lock_key_empty")
	ErrLockTTLInvalid    = errors.New("lock_ttl_invalid")
)

// Config bounds lock acquisition.
type Config struct {
	TTL           time.Duration
	RetryInterval time.Duration
	MaxWait       time.Duration
}

// DefaultConfig returns the acquisition bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		TTL:           10 * time.Second,
		RetryInterval: 25 * time.Millisecond,
		MaxWait:       3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	return c
}

// Locker is a token-guarded Redis mutex.
type Locker struct {
	client *redis.Client
	script *redis.Script
	cfg    Config
	log    *zap.Logger
}

func NewLocker(client *redis.Client, cfg Config, log *zap.Logger) *Locker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		cfg:    cfg.withDefaults(),
		log:    log.Named("lock"),
	}
}

// CustomerKey is the lock key of one customer's balances.
func CustomerKey(scope domain.Scope) string {
	return fmt.Sprintf(keyCustomerLock, scope.OrgID.String(), scope.Environment, scope.CustomerID.String())
}

// TTL is the configured lease of an acquired lock.
func (l *Locker) TTL() time.Duration {
	return l.cfg.TTL
}

// TryAcquire makes a single attempt. The returned token is needed to release the lock.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrLockNotConfigured
	}
	if key == "" {
		return "", false, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, ErrLockTTLInvalid
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Acquire retries at a fixed interval until the lock is taken or MaxWait elapses.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = l.cfg.TTL
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.MaxWait)
	defer cancel()

	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		token, ok, err := l.TryAcquire(waitCtx, key, ttl)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if ok {
			return token, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			l.log.Warn("lock acquisition timed out",
				zap.String("key", key),
				zap.Int("attempts", attempts),
				zap.Duration("max_wait", l.cfg.MaxWait),
			)
			return "", domain.NewError(domain.KindLockAcquisitionTimeout, "", fmt.Errorf("key %s", key))
		case <-ticker.C:
		}
	}
}

// Release deletes the lock only if token still owns it. Failures are logged, not returned,
// because the TTL bounds a leaked lock.
func (l *Locker) Release(ctx context.Context, key, token string) {
	if l == nil || l.client == nil || key == "" || token == "" {
		return
	}
	if err := l.script.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}
