package token

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DatabaseIntegrity asks the backend's validate_jwt_integrity function
// whether the token is still acceptable.
type DatabaseIntegrity struct {
	db rowQuerier
}

func NewDatabaseIntegrity(db rowQuerier) *DatabaseIntegrity {
	return &DatabaseIntegrity{db: db}
}

func (d *DatabaseIntegrity) Name() string { return "database" }

func (d *DatabaseIntegrity) Check(ctx context.Context, token string, _ *Identity) (bool, error) {
	var ok bool
	if err := d.db.QueryRow(ctx, `SELECT validate_jwt_integrity($1)`, token).Scan(&ok); err != nil {
		return false, fmt.Errorf("validate_jwt_integrity: %w", err)
	}
	return ok, nil
}

// RevocationStore answers whether a token id has been revoked.
type RevocationStore interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type RevocationCheck struct {
	store RevocationStore
}

func NewRevocationCheck(store RevocationStore) *RevocationCheck {
	return &RevocationCheck{store: store}
}

func (r *RevocationCheck) Name() string { return "revocation" }

// Check passes tokens without a jti; they cannot be revoked individually.
func (r *RevocationCheck) Check(ctx context.Context, _ string, id *Identity) (bool, error) {
	if id.TokenID == "" {
		return true, nil
	}
	revoked, err := r.store.IsRevoked(ctx, id.TokenID)
	if err != nil {
		return false, err
	}
	return !revoked, nil
}
