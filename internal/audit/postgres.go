package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"security-gateway/internal/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresWriter appends events through the backend's log_auth_event
// function, which inserts into the append-only auth_monitoring table.
type PostgresWriter struct {
	DB auditDB
}

func NewPostgresWriter(db auditDB) *PostgresWriter {
	return &PostgresWriter{DB: db}
}

func (w *PostgresWriter) Name() string { return "postgres" }

func (w *PostgresWriter) Write(ctx context.Context, e models.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	_, err = w.DB.Exec(ctx, `
		SELECT log_auth_event(
			p_event_id => $1, p_event_type => $2, p_user_id => NULLIF($3, ''),
			p_tenant_id => NULLIF($4, ''), p_ip_address => $5, p_user_agent => $6,
			p_risk_score => $7, p_details => $8::jsonb, p_created_at => $9
		)`,
		e.ID, string(e.EventType), e.ActorID, e.TenantID, e.SourceAddress,
		e.UserAgent, e.RiskScore, details, e.CreatedAt)
	return err
}
