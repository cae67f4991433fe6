package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxLockTries bounds how long Lock waits: Tries * RetryDelay
const maxLockTries = 1000

// ErrLockNotHeld is returned when a lock expired before it was released
var ErrLockNotHeld = errors.New("lock was not held or already expired")

// RedisOptions configures a RedisLocker
type RedisOptions struct {
	Prefix     string        // Key prefix, e.g. "mixflow:lock:"
	Expiry     time.Duration // Lock auto-expires after this long
	RetryDelay time.Duration // Wait between acquisition attempts
	Tries      int           // Acquisition attempts before giving up, 0 = maxLockTries
}

// DefaultRedisOptions returns the options used when none are configured
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:     "mixflow:lock:",
		Expiry:     2 * time.Minute,
		RetryDelay: 100 * time.Millisecond,
		Tries:      maxLockTries,
	}
}

// RedisLocker serializes access to accounts across processes sharing one
// Redis instance
type RedisLocker struct {
	redsync *redsync.Redsync
	options RedisOptions
	logger  *zap.Logger
}

// NewRedisLocker creates a new RedisLocker instance
func NewRedisLocker(client redis.UniversalClient, options RedisOptions, logger *zap.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if options.Expiry <= 0 {
		return nil, errors.New("lock expiry must be greater than 0")
	}
	if options.RetryDelay < 0 {
		return nil, errors.New("lock retry delay cannot be negative")
	}
	if options.Tries < 0 || options.Tries > maxLockTries {
		return nil, fmt.Errorf("lock tries must be between 1 and %d", maxLockTries)
	}
	if options.Tries == 0 {
		options.Tries = maxLockTries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisLocker{
		redsync: redsync.New(goredis.NewPool(client)),
		options: options,
		logger:  logger,
	}, nil
}

// Lock implements domain.AccountLocker. It retries until the key is free, the
// tries run out, or ctx is done. The returned unlock only releases the key
// while it still holds this caller's value.
func (l *RedisLocker) Lock(ctx context.Context, address string) (func(), error) {
	key := l.options.Prefix + address
	mutex := l.redsync.NewMutex(key,
		redsync.WithExpiry(l.options.Expiry),
		redsync.WithTries(l.options.Tries),
		redsync.WithRetryDelay(l.options.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	unlock := func() {
		// Release even when the caller's ctx is already cancelled
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := release(releaseCtx, mutex); err != nil {
			l.logger.Warn("failed to release account lock", zap.String("key", key), zap.Error(err))
		}
	}
	return unlock, nil
}

func release(ctx context.Context, mutex *redsync.Mutex) error {
	ok, err := mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", mutex.Name(), err)
	}
	if !ok {
		return ErrLockNotHeld
	}
	return nil
}
