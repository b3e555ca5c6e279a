package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

func TestTryAcquireRequestBucket(t *testing.T) {
	l := NewRateLimiter(2, 0)

	if !l.TryAcquire(0) {
		t.Fatal("first acquire should succeed")
	}
	if !l.TryAcquire(0) {
		t.Fatal("second acquire should succeed")
	}
	if l.TryAcquire(0) {
		t.Error("third acquire should fail, bucket is empty")
	}
}

func TestTryAcquireTokenBucket(t *testing.T) {
	l := NewRateLimiter(0, 100)

	if !l.TryAcquire(60) {
		t.Fatal("acquire within allowance should succeed")
	}
	if l.TryAcquire(60) {
		t.Error("acquire beyond remaining allowance should fail")
	}
	if !l.TryAcquire(40) {
		t.Error("acquire of exact remainder should succeed")
	}
}

func TestZeroRatesDisableLimiting(t *testing.T) {
	l := NewRateLimiter(0, 0)

	for i := 0; i < 1000; i++ {
		if !l.TryAcquire(1 << 20) {
			t.Fatalf("unlimited limiter refused acquisition %d", i)
		}
	}
}

func TestOversizedRequestClampsToCapacity(t *testing.T) {
	l := NewRateLimiter(0, 100)

	// A request larger than the bucket waits for a full bucket, not forever.
	if !l.TryAcquire(1000) {
		t.Fatal("oversized request should be admitted against a full bucket")
	}
	if l.TryAcquire(1) {
		t.Error("bucket should be drained after the clamped acquisition")
	}
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	// 6000 rpm = 100 requests/second, so a drained bucket refills a slot
	// in ~10ms.
	l := NewRateLimiter(6000, 0)
	l.mu.Lock()
	l.requests = 0
	l.mu.Unlock()

	start := time.Now()
	if err := l.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Acquire took %v, expected quick refill", elapsed)
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	l := NewRateLimiter(1, 0)
	if !l.TryAcquire(0) {
		t.Fatal("setup: drain the bucket")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx, 0)
	if err == nil {
		t.Fatal("Acquire() should fail when ctx is cancelled")
	}
	if !fault.IsKind(err, fault.KindCancelled) {
		t.Errorf("expected cancelled kind, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v, expected prompt return", elapsed)
	}
}

func TestConcurrentAcquisitionMakesProgress(t *testing.T) {
	l := NewRateLimiter(0, 0)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Acquire(context.Background(), 10)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Acquire() error = %v", err)
		}
	}
}

func TestAcquireCancelledError(t *testing.T) {
	l := NewRateLimiter(1, 0)
	l.TryAcquire(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Acquire(ctx, 0)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
}
