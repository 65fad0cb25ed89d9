// Package ratelimit implements the fixed-window per-source request limiter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"security-gateway/internal/bucketing"
	"security-gateway/internal/store"
)

const (
	DefaultWindow = 60 * time.Second

	windowPrefix = "rate:"
	blockPrefix  = "block:"
)

var ErrRateLimited = errors.New("rate limit exceeded")

type Decision struct {
	Allowed   bool
	Blocked   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the hint sent back to rejected callers.
	RetryAfter time.Duration
}

type Stats struct {
	TotalRequests int `json:"total_requests"`
	UniqueSources int `json:"unique_sources"`
}

type Limiter struct {
	counter store.Counter
	window  time.Duration
	now     func() time.Time
}

type Option func(*Limiter)

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(counter store.Counter, opts ...Option) *Limiter {
	l := &Limiter{counter: counter, window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

func (l *Limiter) windowKey(source string, start int64) string {
	return windowPrefix + source + ":" + strconv.FormatInt(start, 10)
}

// Allow counts one request for source in the current window and rejects it
// once the count exceeds max.
func (l *Limiter) Allow(ctx context.Context, source string, max int) (Decision, error) {
	now := l.now()
	start := bucketing.WindowStart(now, l.window)
	reset := time.Unix(start, 0).Add(l.window)
	d := Decision{Limit: max, ResetAt: reset, RetryAfter: l.window}

	blocked, err := l.counter.Get(ctx, blockPrefix+source)
	if err != nil {
		return d, fmt.Errorf("failed to read block state: %w", err)
	}
	if blocked > 0 {
		d.Blocked = true
		return d, nil
	}

	count, err := l.counter.Incr(ctx, l.windowKey(source, start), l.window)
	if err != nil {
		return d, fmt.Errorf("failed to count request: %w", err)
	}
	d.Count = int(count)
	d.Allowed = d.Count <= max
	if d.Allowed {
		d.Remaining = max - d.Count
	}
	return d, nil
}

// RecentCount returns how many requests source has made in the current window.
func (l *Limiter) RecentCount(ctx context.Context, source string) (int, error) {
	start := bucketing.WindowStart(l.now(), l.window)
	n, err := l.counter.Get(ctx, l.windowKey(source, start))
	if err != nil {
		return 0, fmt.Errorf("failed to read request count: %w", err)
	}
	return int(n), nil
}

// Block rejects every request from source for d.
func (l *Limiter) Block(ctx context.Context, source string, d time.Duration) error {
	if err := l.counter.Set(ctx, blockPrefix+source, 1, d); err != nil {
		return fmt.Errorf("failed to block source: %w", err)
	}
	return nil
}

func (l *Limiter) Stats(ctx context.Context) (Stats, error) {
	live, err := l.counter.Scan(ctx, windowPrefix)
	if err != nil {
		return Stats{}, err
	}
	sources := make(map[string]struct{}, len(live))
	var stats Stats
	for key, n := range live {
		stats.TotalRequests += int(n)
		rest := strings.TrimPrefix(key, windowPrefix)
		if i := strings.LastIndexByte(rest, ':'); i >= 0 {
			rest = rest[:i]
		}
		sources[rest] = struct{}{}
	}
	stats.UniqueSources = len(sources)
	return stats, nil
}

// ClearAll drops every window counter and manual block.
func (l *Limiter) ClearAll(ctx context.Context) error {
	if _, err := l.counter.Clear(ctx, windowPrefix); err != nil {
		return err
	}
	_, err := l.counter.Clear(ctx, blockPrefix)
	return err
}

func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.counter.SweepExpired(ctx)
}

// RunSweeper removes superseded windows until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration) {
	store.RunSweeper(ctx, "rate_limit", interval, l.Sweep)
}
