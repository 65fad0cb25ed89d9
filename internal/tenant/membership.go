package tenant

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"security-gateway/internal/client"
	"security-gateway/internal/models"
)

// MembershipSource loads a user's tenant memberships.
type MembershipSource interface {
	Memberships(ctx context.Context, userID string) ([]models.TenantMembership, error)
}

// PostgresMemberships reads tenant_users.
type PostgresMemberships struct {
	db client.Querier
}

func NewPostgresMemberships(db client.Querier) *PostgresMemberships {
	return &PostgresMemberships{db: db}
}

func (m *PostgresMemberships) Memberships(ctx context.Context, userID string) ([]models.TenantMembership, error) {
	rows, err := m.db.Query(ctx, `
		SELECT tenant_id::text AS tenant_id, UPPER(role) AS role, COALESCE(active, true) AS active
		FROM tenant_users
		WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load memberships: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TenantMembership, error) {
		var tm models.TenantMembership
		var role string
		err := row.Scan(&tm.TenantID, &role, &tm.Active)
		tm.Role = models.Role(role)
		return tm, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan memberships: %w", err)
	}
	return out, nil
}

// Enrich fills p's memberships from src when the token carried none.
func Enrich(ctx context.Context, src MembershipSource, p *models.Principal) error {
	if src == nil || p == nil || p.ID == "" || len(p.Memberships) > 0 {
		return nil
	}
	memberships, err := src.Memberships(ctx, p.ID)
	if err != nil {
		return err
	}
	p.Memberships = memberships
	return nil
}
