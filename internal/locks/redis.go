package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jywu/cavern/internal/idgen"
)

// releaseScript deletes the key only when the stored token matches, so an
// expired lock reacquired by another instance is never deleted out from
// under it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker implements Locker over a shared Redis instance. It also keeps
// the scheduler bookkeeping markers (cleanup last-run) since they ride the
// same connection.
type RedisLocker struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]string // key -> holder token for owner-checked release
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker connects to Redis and verifies the connection. Construction
// fails on an unreachable store; after that, failures degrade to "not
// acquired".
func NewRedisLocker(addr, password string, db int, logger *slog.Logger) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        20,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RedisLocker{
		client: client,
		logger: logger,
		tokens: make(map[string]string),
	}, nil
}

// Acquire performs an atomic SET NX PX. Store errors are logged and reported
// as "not acquired".
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	token := idgen.Hex(16)

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		l.logger.Warn("lock acquire failed, treating as not acquired",
			"key", key,
			"error", err,
		)
		return false
	}
	if !ok {
		return false
	}

	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
	return true
}

// Release removes the lock if this process still owns it.
func (l *RedisLocker) Release(ctx context.Context, key string) {
	l.mu.Lock()
	token, held := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()

	if !held {
		return
	}

	if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		// TTL expiry will clear it; nothing more to do.
		l.logger.Warn("lock release failed", "key", key, "error", err)
	}
}

// SetMarker stores a bookkeeping value with a TTL.
func (l *RedisLocker) SetMarker(ctx context.Context, key, value string, ttl time.Duration) error {
	return l.client.Set(ctx, key, value, ttl).Err()
}

// GetMarker reads a bookkeeping value. A missing key is ("", nil).
func (l *RedisLocker) GetMarker(ctx context.Context, key string) (string, error) {
	val, err := l.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return val, nil
}

// Ping reports store connectivity, used by the health endpoint.
func (l *RedisLocker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return l.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
