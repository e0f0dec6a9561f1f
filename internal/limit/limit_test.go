package limit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := New(3)
	var cur, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer l.Release()
			n := atomic.AddInt32(&cur, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&cur, -1)
		}()
	}
	wg.Wait()
	if peak > 3 {
		t.Fatalf("peak concurrency %d exceeds capacity 3", peak)
	}
	if l.InUse() != 0 {
		t.Fatalf("in use = %d after all releases", l.InUse())
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(1)
	if !l.TryAcquire() {
		t.Fatal("TryAcquire on an idle limiter")
	}
	if l.TryAcquire() {
		t.Fatal("TryAcquire must fail when full")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	l := New(1)
	_ = l.Acquire(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	l.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
}

func TestUnlimited(t *testing.T) {
	l := New(0)
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if !l.TryAcquire() || l.InUse() != 0 {
		t.Fatal("unlimited limiter must always admit")
	}
}

func TestCloseUnlimited(t *testing.T) {
	l := New(0)
	l.Close()
	if err := l.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if l.TryAcquire() {
		t.Fatal("closed limiter must not admit")
	}
}
