// Package audit records append-only security events. Recording is
// best-effort: write failures are logged and counted, never returned to the
// gated operation.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-gateway/internal/metrics"
	"security-gateway/internal/models"
	"security-gateway/internal/risk"
	"security-gateway/internal/util"
)

// Writer persists one event to a single backend.
type Writer interface {
	Name() string
	Write(ctx context.Context, e models.SecurityEvent) error
}

// Entry is what callers hand to Record.
type Entry struct {
	Type          models.EventType
	Details       map[string]interface{}
	RiskScore     int
	SourceAddress string
	UserAgent     string
	ActorID       string
	TenantID      string
}

// Recorder is the append call used by the gateway, the tenant guard and the
// ingestion endpoint.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

type Sink struct {
	writers []Writer
	timeout time.Duration
	now     func() time.Time
}

func NewSink(timeout time.Duration, writers ...Writer) *Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{writers: writers, timeout: timeout, now: time.Now}
}

// WithClock overrides the event timestamp source.
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now
	return s
}

// Event stamps an entry with an id and creation time.
func (s *Sink) Event(e Entry) models.SecurityEvent {
	ua := e.UserAgent
	if ua == "" {
		ua = "Unknown"
	}
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return models.SecurityEvent{
		ID:            uuid.NewString(),
		EventType:     e.Type,
		ActorID:       e.ActorID,
		TenantID:      e.TenantID,
		SourceAddress: e.SourceAddress,
		UserAgent:     ua,
		RiskScore:     risk.Clamp(e.RiskScore),
		Details:       details,
		CreatedAt:     s.now().UTC(),
	}
}

func (s *Sink) Record(ctx context.Context, e Entry) {
	s.Write(ctx, s.Event(e))
}

// Write fans a stamped event out to every backend. One backend failing does
// not stop the others.
func (s *Sink) Write(ctx context.Context, event models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	for _, w := range s.writers {
		if err := w.Write(ctx, event); err != nil {
			metrics.AuditWriteFailures.WithLabelValues(w.Name()).Inc()
			util.Error("Failed to write security event",
				zap.String("backend", w.Name()),
				zap.String("event_type", string(event.EventType)),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
}
