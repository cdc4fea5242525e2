package locks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, locker Locker) {
	t.Helper()
	key := SessionKey(uuid.New())
	var (
		active  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), key)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	require.False(t, overlap.Load(), "critical sections overlapped")
}

func TestLocalMutualExclusion(t *testing.T) {
	local := NewLocal()
	exerciseMutualExclusion(t, local)
	require.Equal(t, 0, local.Len(), "idle entries should be dropped")
}

func TestLocalKeysAreIndependent(t *testing.T) {
	local := NewLocal()
	unlockA, err := local.Lock(context.Background(), "session:a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := local.Lock(ctx, "session:b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalHonoursContext(t *testing.T) {
	local := NewLocal()
	unlock, err := local.Lock(context.Background(), "session:x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = local.Lock(ctx, "session:x")
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	unlock()
	unlock()
	require.Equal(t, 0, local.Len())
}

func newRedisLocker(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts = append([]RedisOption{WithRetryDelay(2 * time.Millisecond)}, opts...)
	return NewRedis(client, opts...), mr
}

func TestRedisMutualExclusion(t *testing.T) {
	locker, _ := newRedisLocker(t)
	exerciseMutualExclusion(t, locker)
}

func TestRedisReleaseRemovesKey(t *testing.T) {
	locker, mr := newRedisLocker(t, WithKeyPrefix("test:"))
	unlock, err := locker.Lock(context.Background(), "session:1")
	require.NoError(t, err)
	require.True(t, mr.Exists("test:session:1"))
	unlock()
	require.False(t, mr.Exists("test:session:1"))
}

func TestRedisReleaseKeepsForeignLease(t *testing.T) {
	locker, mr := newRedisLocker(t, WithKeyPrefix("test:"))
	unlock, err := locker.Lock(context.Background(), "session:2")
	require.NoError(t, err)

	// Simulate the lease expiring and another replica taking it.
	require.NoError(t, mr.Set("test:session:2", "other-owner"))
	unlock()

	value, err := mr.Get("test:session:2")
	require.NoError(t, err)
	require.Equal(t, "other-owner", value)
}

func TestRedisHonoursContext(t *testing.T) {
	locker, _ := newRedisLocker(t)
	unlock, err := locker.Lock(context.Background(), "session:3")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "session:3")
	require.Error(t, err)
}

func TestRedisReportsLostLease(t *testing.T) {
	var buf bytes.Buffer
	locker, mr := newRedisLocker(t,
		WithKeyPrefix("test:"),
		WithLeaseTTL(60*time.Millisecond),
		WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	unlock, err := locker.Lock(context.Background(), "session:4")
	require.NoError(t, err)

	require.NoError(t, mr.Set("test:session:4", "other-owner"))
	time.Sleep(100 * time.Millisecond)
	unlock()

	require.Contains(t, buf.String(), "lock lease lost")
	value, err := mr.Get("test:session:4")
	require.NoError(t, err)
	require.Equal(t, "other-owner", value)
}
