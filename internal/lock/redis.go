package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "card:lock:"

// unlockScript deletes the key only if it still holds our token, so a lock
// that expired and was taken over is never released by its previous owner.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a Locker shared by every API instance, backed by Redis
// SET NX PX. The lease must comfortably exceed a read-validate-write cycle.
type RedisLocker struct {
	client        *redis.Client
	lease         time.Duration
	timeout       time.Duration
	retryInterval time.Duration
	waitObserver  func(time.Duration)
}

// RedisOption customises a RedisLocker.
type RedisOption func(*RedisLocker)

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.retryInterval = d }
}

// WithRedisWaitObserver registers a callback receiving lock wait durations.
func WithRedisWaitObserver(fn func(time.Duration)) RedisOption {
	return func(l *RedisLocker) { l.waitObserver = fn }
}

// NewRedisLocker builds a RedisLocker with the given lease and acquisition timeout.
func NewRedisLocker(client *redis.Client, lease, timeout time.Duration, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:        client,
		lease:         lease,
		timeout:       timeout,
		retryInterval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithCardLock acquires the distributed lock for uid, runs fn and releases it.
func (l *RedisLocker) WithCardLock(ctx context.Context, uid string, fn func(ctx context.Context) error) error {
	key := redisKeyPrefix + uid
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}
	defer func() {
		// Release even if ctx was cancelled while fn ran.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}()

	return fn(ctx)
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	start := time.Now()
	var deadline time.Time
	if l.timeout > 0 {
		deadline = start.Add(l.timeout)
	}

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return fmt.Errorf("acquire card lock: %w", err)
		}
		if ok {
			if l.waitObserver != nil {
				l.waitObserver(time.Since(start))
			}
			return nil
		}
		if !deadline.IsZero() && time.Now().Add(l.retryInterval).After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}
