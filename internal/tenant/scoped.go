package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"security-gateway/internal/audit"
	"security-gateway/internal/client"
	"security-gateway/internal/metrics"
	"security-gateway/internal/models"
	"security-gateway/internal/util"
)

// Owned is implemented by every tenant owned row.
type Owned interface {
	GetTenantID() string
}

// Runner executes fn with the datastore session bound to tenantID.
type Runner interface {
	WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, q client.Querier) error) error
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PgRunner runs each scoped operation in its own transaction with
// app.current_tenant set, which the row level policies read.
type PgRunner struct {
	db txBeginner
}

func NewPgRunner(db txBeginner) *PgRunner {
	return &PgRunner{db: db}
}

func (r *PgRunner) WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, q client.Querier) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin tenant transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("failed to set tenant context: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tenant transaction: %w", err)
	}
	return nil
}

// DirectRunner passes a fixed querier through without session scoping. It
// backs in-memory deployments where q is ignored.
type DirectRunner struct {
	Q client.Querier
}

func (r DirectRunner) WithTenant(ctx context.Context, _ string, fn func(ctx context.Context, q client.Querier) error) error {
	return fn(ctx, r.Q)
}

// Guard runs tenant scoped operations and reports violations.
type Guard struct {
	runner   Runner
	recorder audit.Recorder
}

func NewGuard(runner Runner, recorder audit.Recorder) *Guard {
	return &Guard{runner: runner, recorder: recorder}
}

// Query runs fn inside tenantID and re-checks every returned row. fn receives
// tenantID and must filter on it. If any row belongs to another tenant, the
// scoped transaction is rolled back, no rows are returned and the error
// matches ErrSecurityViolation.
func Query[T Owned](ctx context.Context, g *Guard, tenantID string, fn func(ctx context.Context, q client.Querier, tenantID string) ([]T, error)) ([]T, error) {
	if tenantID == "" {
		return nil, &AccessError{Code: CodeTenantRequired, Reason: "No active tenant selected"}
	}

	var rows []T
	err := g.runner.WithTenant(ctx, tenantID, func(ctx context.Context, q client.Querier) error {
		var err error
		rows, err = fn(ctx, q, tenantID)
		if err != nil {
			return err
		}
		return VerifyRows(tenantID, rows)
	})

	var violation *SecurityViolationError
	if errors.As(err, &violation) {
		g.reportViolation(ctx, violation)
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// VerifyRows fails with a SecurityViolationError when any row belongs to
// another tenant. Mutations call it on the rows they are about to touch.
func VerifyRows[T Owned](tenantID string, rows []T) error {
	mismatched := 0
	for _, row := range rows {
		if row.GetTenantID() != tenantID {
			mismatched++
		}
	}
	if mismatched > 0 {
		return &SecurityViolationError{TenantID: tenantID, Mismatched: mismatched, Total: len(rows)}
	}
	return nil
}

// Exec runs a tenant scoped mutation.
func (g *Guard) Exec(ctx context.Context, tenantID string, fn func(ctx context.Context, q client.Querier, tenantID string) error) error {
	if tenantID == "" {
		return &AccessError{Code: CodeTenantRequired, Reason: "No active tenant selected"}
	}
	return g.runner.WithTenant(ctx, tenantID, func(ctx context.Context, q client.Querier) error {
		return fn(ctx, q, tenantID)
	})
}

func (g *Guard) reportViolation(ctx context.Context, v *SecurityViolationError) {
	metrics.SecurityViolations.Inc()
	util.Error("Tenant scoped query returned foreign rows",
		zap.String("tenant_id", v.TenantID),
		zap.Int("mismatched", v.Mismatched),
		zap.Int("total", v.Total))

	if g.recorder == nil {
		return
	}
	g.recorder.Record(ctx, audit.Entry{
		Type:      models.EventSecurityViolation,
		TenantID:  v.TenantID,
		RiskScore: 100,
		Details: map[string]interface{}{
			"mismatched_rows": v.Mismatched,
			"total_rows":      v.Total,
		},
	})
}

// IsViolation reports whether err came from a cross tenant result.
func IsViolation(err error) bool {
	return errors.Is(err, ErrSecurityViolation)
}
