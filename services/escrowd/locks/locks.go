// Package locks serializes work per escrow session, in process or across
// replicas through Redis.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeescrow/observability"
)

// Locker grants exclusive access to a key until the returned unlock is called.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// SessionKey is the lock key shared by session mutations, deposit checks and
// release wallet work.
func SessionKey(id uuid.UUID) string {
	return "session:" + id.String()
}

// TradeKey guards trade-scoped work that does not touch the session wallet.
func TradeKey(id uuid.UUID) string {
	return "trade:" + id.String()
}

// Local is an in-process keyed mutex. Entries are dropped once no caller
// holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	metrics *observability.EscrowMetrics
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocal constructs an empty in-process locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry), metrics: observability.Escrow()}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	start := time.Now()
	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, entry)
		return nil, ctx.Err()
	}
	l.metrics.ObserveLockWait(time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(key, entry)
		})
	}, nil
}

func (l *Local) release(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
