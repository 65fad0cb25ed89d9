// Package token validates bearer and session tokens against the identity
// provider and the backend integrity checks.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-gateway/internal/models"
	"security-gateway/internal/util"
)

var (
	ErrMissingToken    = errors.New("authentication token is required")
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrIntegrityFailed = errors.New("token failed integrity check")
)

// Identity is what the identity provider vouches for after verifying a
// token's signature and expiry.
type Identity struct {
	Principal models.Principal
	TokenID   string
	ExpiresAt time.Time
}

type IdentityProvider interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// IntegrityChecker reports whether a verified token is still acceptable to
// the backend (not revoked, not tampered with).
type IntegrityChecker interface {
	Name() string
	Check(ctx context.Context, token string, id *Identity) (bool, error)
}

type Result struct {
	Valid     bool
	Principal *models.Principal
	Reason    string
	Err       error
}

type Validator struct {
	provider IdentityProvider
	checkers []IntegrityChecker
	timeout  time.Duration
}

func NewValidator(provider IdentityProvider, timeout time.Duration, checkers ...IntegrityChecker) *Validator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Validator{provider: provider, checkers: checkers, timeout: timeout}
}

// Validate never treats a provider or backend failure as "no token": every
// error path yields Valid=false with a reason.
func (v *Validator) Validate(ctx context.Context, token string) Result {
	if token == "" {
		return Result{Reason: ErrMissingToken.Error(), Err: ErrMissingToken}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	id, err := v.provider.Verify(ctx, token)
	if err != nil {
		util.Debug("Token verification failed", zap.Error(err))
		return Result{
			Reason: fmt.Sprintf("token verification failed: %v", err),
			Err:    fmt.Errorf("%w: %v", ErrInvalidToken, err),
		}
	}
	if id == nil || id.Principal.ID == "" {
		return Result{Reason: "token has no subject", Err: ErrInvalidToken}
	}

	for _, c := range v.checkers {
		ok, err := c.Check(ctx, token, id)
		if err != nil {
			util.Warn("Token integrity check errored",
				zap.String("checker", c.Name()),
				zap.String("user_id", id.Principal.ID),
				zap.Error(err))
			return Result{
				Reason: fmt.Sprintf("%s integrity check unavailable", c.Name()),
				Err:    fmt.Errorf("%w: %s: %v", ErrIntegrityFailed, c.Name(), err),
			}
		}
		if !ok {
			return Result{
				Reason: fmt.Sprintf("token rejected by %s integrity check", c.Name()),
				Err:    ErrIntegrityFailed,
			}
		}
	}

	principal := id.Principal
	return Result{Valid: true, Principal: &principal}
}

// RejectAll stands in for the identity provider when none is configured.
type RejectAll struct{}

func (RejectAll) Verify(context.Context, string) (*Identity, error) {
	return nil, errors.New("identity provider not configured")
}
