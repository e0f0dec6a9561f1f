// Package limit bounds the number of transforms running at once across every
// endpoint of the process.
package limit

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("limiter closed")

// Limiter is a counting semaphore whose waiters honour context cancellation.
type Limiter struct {
	capacity int64

	mu     sync.Mutex
	tokens int64
	cond   *sync.Cond
	closed bool
}

// New returns a Limiter admitting capacity holders. Capacity <= 0 means
// unlimited.
func New(capacity int64) *Limiter {
	l := &Limiter{capacity: capacity, tokens: capacity}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until a slot is free, ctx is done or the limiter closes.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.capacity <= 0 {
		if l.isClosed() {
			return ErrClosed
		}
		return ctx.Err()
	}
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.tokens == 0 && ctx.Err() == nil && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.tokens--
	return nil
}

// TryAcquire takes a slot without waiting.
func (l *Limiter) TryAcquire() bool {
	if l.capacity <= 0 {
		return !l.isClosed()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.tokens == 0 {
		return false
	}
	l.tokens--
	return true
}

// Release returns a slot taken by Acquire or TryAcquire.
func (l *Limiter) Release() {
	if l.capacity <= 0 {
		return
	}
	l.mu.Lock()
	l.tokens++
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

// InUse reports the number of held slots.
func (l *Limiter) InUse() int64 {
	if l.capacity <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity - l.tokens
}

func (l *Limiter) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close wakes every waiter with ErrClosed. Later acquisitions fail, also on
// an unlimited Limiter.
func (l *Limiter) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
}
