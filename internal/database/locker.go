package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/landx-api/internal/types"
	"golang.org/x/sync/semaphore"
)

// Locker hands out exclusive, keyed locks with a bounded wait
type Locker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	timeout time.Duration
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocker builds a locker whose waits give up after timeout
func NewLocker(timeout time.Duration) *Locker {
	return &Locker{
		entries: make(map[string]*lockEntry),
		timeout: timeout,
	}
}

// Acquire blocks until key is free, ctx is done, or the wait times out.
// A timeout surfaces as a retryable StateConflict.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	entry := l.ref(key)

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := entry.sem.Acquire(waitCtx, 1); err != nil {
		l.unref(key)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, types.Retryable(fmt.Sprintf("timed out waiting for lock on %s", key))
		}
		return nil, fmt.Errorf("lock wait aborted: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.unref(key)
		})
	}, nil
}

func (l *Locker) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}
