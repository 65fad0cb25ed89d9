// Package notification turns security events into alerts, stores them and
// fans them out to the configured channels.
package notification

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"security-gateway/internal/bucketing"
	"security-gateway/internal/metrics"
	"security-gateway/internal/models"
	"security-gateway/internal/store"
	"security-gateway/internal/util"
)

var ErrNotificationNotFound = errors.New("notification not found")

// AttemptHistory keeps a sliding window of attempts per key.
type AttemptHistory interface {
	Record(ctx context.Context, key string, at time.Time, window time.Duration) (int, error)
}

type Dispatcher struct {
	enabled  bool
	rules    Rules
	store    Store
	counter  store.Counter
	attempts AttemptHistory
	routes   []Route
	timeout  time.Duration
	now      func() time.Time
}

type Options struct {
	Enabled bool
	Rules   Rules
	Store   Store
	// Counter backs the delivery dedup window and the device history.
	Counter  store.Counter
	Attempts AttemptHistory
	Routes   []Route
	// DeliveryTimeout bounds each channel send.
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		enabled:  opts.Enabled,
		rules:    opts.Rules,
		store:    opts.Store,
		counter:  opts.Counter,
		attempts: opts.Attempts,
		routes:   opts.Routes,
		timeout:  opts.DeliveryTimeout,
		now:      opts.Now,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Second
	}
	if d.counter == nil {
		d.counter = store.NewMemoryCounter(0, d.now)
	}
	if d.attempts == nil {
		d.attempts = NewMemoryAttempts()
	}
	if d.store == nil {
		d.store = NewMemoryStore()
	}
	return d
}

func (d *Dispatcher) at(in Input) time.Time {
	if in.OccurredAt.IsZero() {
		return d.now()
	}
	return in.OccurredAt
}

// Process classifies one event, saves every resulting notification and
// delivers the ones that pass the dedup window. It returns the saved
// notifications; delivery failures are logged, never returned.
func (d *Dispatcher) Process(ctx context.Context, in Input) ([]models.SecurityNotification, error) {
	if !d.enabled {
		return nil, nil
	}

	candidates, err := d.classify(ctx, in)
	if err != nil {
		util.Error("Failed to evaluate notification rules",
			zap.String("event_type", string(in.EventType)),
			zap.Error(err))
	}

	out := make([]models.SecurityNotification, 0, len(candidates))
	for _, n := range candidates {
		n.ID = uuid.NewString()
		n.CreatedAt = d.now().UTC()
		metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()

		if err := d.store.Save(ctx, &n); err != nil {
			util.Error("Failed to save security notification",
				zap.String("type", string(n.Type)),
				zap.String("id", n.ID),
				zap.Error(err))
		}
		out = append(out, n)

		if !d.shouldDeliver(ctx, n) {
			metrics.NotificationsSuppressed.WithLabelValues(string(n.Type)).Inc()
			continue
		}
		d.deliver(ctx, n)
	}
	return out, err
}

// shouldDeliver allows at most MaxPerWindow notifications per (type, source)
// in each fixed window. Dedup store failures let the notification through.
func (d *Dispatcher) shouldDeliver(ctx context.Context, n models.SecurityNotification) bool {
	source := n.SourceAddress
	if source == "" {
		source = "global"
	}
	window := d.rules.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	start := bucketing.WindowStart(d.now(), window)
	key := "notify:" + string(n.Type) + ":" + source + ":" + strconv.FormatInt(start, 10)

	count, err := d.counter.Incr(ctx, key, window)
	if err != nil {
		util.Warn("Notification dedup unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	return d.rules.MaxPerWindow <= 0 || int(count) <= d.rules.MaxPerWindow
}

// deliver sends n to every matching channel concurrently. One channel failing
// does not affect the others.
func (d *Dispatcher) deliver(ctx context.Context, n models.SecurityNotification) {
	var g errgroup.Group
	for _, route := range d.routes {
		if !route.Rule.Matches(n) {
			continue
		}
		route := route
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
			defer cancel()

			if err := route.Channel.Send(sendCtx, n); err != nil {
				metrics.ChannelDeliveries.WithLabelValues(route.Channel.Name(), "failure").Inc()
				util.Error("Failed to deliver security notification",
					zap.String("channel", route.Channel.Name()),
					zap.String("type", string(n.Type)),
					zap.String("id", n.ID),
					zap.Error(err))
				return nil
			}
			metrics.ChannelDeliveries.WithLabelValues(route.Channel.Name(), "success").Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// Acknowledge marks a notification acknowledged. Acknowledging twice keeps
// the first acknowledgement untouched.
func (d *Dispatcher) Acknowledge(ctx context.Context, id, by string) (*models.SecurityNotification, error) {
	return d.store.Acknowledge(ctx, id, "", by, d.now().UTC())
}

type mirrorer interface {
	Mirror(ctx context.Context, n models.SecurityNotification)
}

// Committed propagates a notification written through a scoped store once
// its transaction has committed.
func (d *Dispatcher) Committed(ctx context.Context, n models.SecurityNotification) {
	if m, ok := d.store.(mirrorer); ok {
		m.Mirror(ctx, n)
	}
}

// ListUnacknowledged returns the newest unacknowledged notifications,
// optionally limited to one tenant.
func (d *Dispatcher) ListUnacknowledged(ctx context.Context, tenantID string, limit int) ([]models.SecurityNotification, error) {
	return d.store.ListUnacknowledged(ctx, tenantID, normalizeLimit(limit))
}

func (d *Dispatcher) Store() Store {
	return d.store
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// EventWriter feeds recorded audit events into the dispatcher, so the audit
// sink drives notifications inline.
type EventWriter struct {
	d *Dispatcher
}

func NewEventWriter(d *Dispatcher) *EventWriter {
	return &EventWriter{d: d}
}

func (w *EventWriter) Name() string { return "notifications" }

func (w *EventWriter) Write(ctx context.Context, e models.SecurityEvent) error {
	_, err := w.d.Process(ctx, InputFromEvent(e))
	return err
}

// MemoryAttempts is a process-local AttemptHistory.
type MemoryAttempts struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{attempts: make(map[string][]time.Time)}
}

func (m *MemoryAttempts) Record(_ context.Context, key string, at time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := at.Add(-window)
	kept := m.attempts[key][:0]
	for _, t := range m.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	m.attempts[key] = kept
	return len(kept), nil
}

// Sweep drops keys whose newest attempt is older than window.
func (m *MemoryAttempts) Sweep(now time.Time, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, ts := range m.attempts {
		if len(ts) == 0 || !ts[len(ts)-1].After(now.Add(-window)) {
			delete(m.attempts, key)
			removed++
		}
	}
	return removed
}
