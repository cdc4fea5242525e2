package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tradeescrow/observability"
)

const (
	defaultLeaseTTL   = 5 * time.Minute
	defaultRetryDelay = 50 * time.Millisecond
	defaultKeyPrefix  = "escrowd:lock:"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a lease-based distributed lock for replicated deployments. The
// lease is extended while held so long wallet syncs do not lose it.
type Redis struct {
	client  redis.UniversalClient
	ttl     time.Duration
	retry   time.Duration
	prefix  string
	logger  *slog.Logger
	metrics *observability.EscrowMetrics
}

// RedisOption configures the Redis locker.
type RedisOption func(*Redis)

// WithLeaseTTL overrides how long an unrefreshed lease survives.
func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRetryDelay sets the polling delay while waiting for a held key.
func WithRetryDelay(delay time.Duration) RedisOption {
	return func(r *Redis) {
		if delay > 0 {
			r.retry = delay
		}
	}
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithLogger sets the logger used for lease renewal failures.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRedis wraps a go-redis client as a Locker.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		ttl:     defaultLeaseTTL,
		retry:   defaultRetryDelay,
		prefix:  defaultKeyPrefix,
		logger:  slog.Default(),
		metrics: observability.Escrow(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock acquires the lease for key, polling until ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if r == nil || r.client == nil {
		return nil, errors.New("locks: redis client not configured")
	}
	name := r.prefix + key
	token := uuid.NewString()
	start := time.Now()
	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locks: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	r.metrics.ObserveLockWait(time.Since(start))

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(name, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, r.client, []string{name}, token).Err()
		})
	}, nil
}

// keepAlive extends the lease every third of its TTL. A lease found held by
// another token is reported and no longer renewed.
func (r *Redis) keepAlive(name, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			extended, err := extendScript.Run(ctx, r.client, []string{name}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				r.metrics.RecordLeaseFailure("error")
				r.logger.Warn("lock lease renewal failed", slog.String("lock", name), slog.Any("error", err))
				continue
			}
			if extended == 0 {
				r.metrics.RecordLeaseFailure("lost")
				r.logger.Error("lock lease lost", slog.String("lock", name))
				return
			}
		}
	}
}
