package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"security-gateway/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(c *clock) *Limiter {
	return New(store.NewMemoryCounter(4, c.Now), WithClock(c.Now))
}

func TestAllowRejectsRequestAfterMax(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1_700_000_040, 0)}
	l := newTestLimiter(c)

	for i := 1; i <= 60; i++ {
		d, err := l.Allow(ctx, "1.2.3.4", 60)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 60-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 60-i, d.Remaining)
		}
	}

	d, err := l.Allow(ctx, "1.2.3.4", 60)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("61st request should be rejected")
	}
	if d.RetryAfter != 60*time.Second {
		t.Fatalf("expected 60s retry hint, got %s", d.RetryAfter)
	}
	if d.Count != 61 {
		t.Fatalf("expected count 61, got %d", d.Count)
	}

	other, _ := l.Allow(ctx, "5.6.7.8", 60)
	if !other.Allowed {
		t.Fatal("a different source must have its own window")
	}
}

func TestAllowResetsOnNextWindow(t *testing.T) {
	ctx := context.Background()
	// window starts at 1_700_000_040
	c := &clock{t: time.Unix(1_700_000_040, 0)}
	l := newTestLimiter(c)

	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "src", 2)
	}
	if n, _ := l.RecentCount(ctx, "src"); n != 3 {
		t.Fatalf("expected recent count 3, got %d", n)
	}

	c.Advance(60 * time.Second)
	d, _ := l.Allow(ctx, "src", 2)
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
	if d.ResetAt != time.Unix(1_700_000_160, 0) {
		t.Fatalf("unexpected reset time %s", d.ResetAt)
	}
}

func TestBlockRejectsUntilExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1_700_000_040, 0)}
	l := newTestLimiter(c)

	if err := l.Block(ctx, "bad", 5*time.Minute); err != nil {
		t.Fatalf("block: %v", err)
	}
	d, _ := l.Allow(ctx, "bad", 100)
	if d.Allowed || !d.Blocked {
		t.Fatalf("expected blocked decision, got %+v", d)
	}

	c.Advance(5 * time.Minute)
	d, _ = l.Allow(ctx, "bad", 100)
	if !d.Allowed {
		t.Fatalf("expected block to expire, got %+v", d)
	}
}

func TestStatsSweepAndClear(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1_700_000_040, 0)}
	l := newTestLimiter(c)

	_, _ = l.Allow(ctx, "a", 10)
	_, _ = l.Allow(ctx, "a", 10)
	_, _ = l.Allow(ctx, "2001:db8::1", 10)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 3 || stats.UniqueSources != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	c.Advance(2 * time.Minute)
	removed, _ := l.Sweep(ctx)
	if removed != 2 {
		t.Fatalf("expected 2 windows swept, got %d", removed)
	}

	_, _ = l.Allow(ctx, "a", 10)
	_ = l.Block(ctx, "b", time.Hour)
	if err := l.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats, _ = l.Stats(ctx)
	if stats.TotalRequests != 0 {
		t.Fatalf("expected no requests after clear, got %+v", stats)
	}
	if d, _ := l.Allow(ctx, "b", 10); d.Blocked {
		t.Fatal("expected block cleared")
	}
}

func TestConcurrentAllowNeverExceedsMax(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1_700_000_040, 0)}
	l := newTestLimiter(c)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "burst", 60)
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 60 {
		t.Fatalf("expected exactly 60 allowed, got %d", allowed)
	}
}
