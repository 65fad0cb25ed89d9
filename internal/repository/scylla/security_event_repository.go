package scylla

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gocql/gocql"

	"security-gateway/internal/bucketing"
	"security-gateway/internal/models"
)

const insertSecurityEvent = `
	INSERT INTO security_events (
		event_date, event_bucket, created_at, event_id, event_type,
		actor_id, tenant_id, source_address, user_agent, risk_score, details
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	Exec(ctx context.Context, stmt string, values ...interface{}) error
}

// SecurityEventRepository archives audit events partitioned by
// (event_date, event_bucket) so a single noisy source cannot hot-spot a day.
type SecurityEventRepository struct {
	db      execer
	buckets *bucketing.Manager
}

func NewSecurityEventRepository(db execer, buckets *bucketing.Manager) *SecurityEventRepository {
	return &SecurityEventRepository{db: db, buckets: buckets}
}

func (r *SecurityEventRepository) Name() string { return "scylla" }

func (r *SecurityEventRepository) Write(ctx context.Context, e models.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}
	id, err := gocql.ParseUUID(e.ID)
	if err != nil {
		return fmt.Errorf("invalid event id %q: %w", e.ID, err)
	}

	err = r.db.Exec(ctx, insertSecurityEvent,
		r.buckets.DateBucket(e.CreatedAt),
		r.buckets.EventBucket(e.SourceAddress),
		e.CreatedAt,
		id,
		string(e.EventType),
		e.ActorID,
		e.TenantID,
		e.SourceAddress,
		e.UserAgent,
		e.RiskScore,
		string(details),
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}
