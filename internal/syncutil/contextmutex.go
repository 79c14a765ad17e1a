// Package syncutil provides locking primitives that respect context cancellation.
package syncutil

import (
	"context"
)

// ContextMutex is a mutex implemented via a buffered channel, so callers can
// give up waiting when their context is cancelled.
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex creates an unlocked mutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// LockContext acquires the mutex or returns the context error.
// On success the caller MUST call the returned unlock function exactly once.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	// Prefer a cancelled context over a free lock.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return m.unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	select {
	case <-m.ch:
		return m.unlock, true
	default:
		return nil, false
	}
}

func (m *ContextMutex) unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		panic("syncutil: unlock of unlocked ContextMutex")
	}
}
