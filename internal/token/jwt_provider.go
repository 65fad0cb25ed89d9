package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"security-gateway/internal/models"
)

type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type tenantClaim struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	Active   *bool  `json:"active,omitempty"`
}

type appMetadata struct {
	Role    string        `json:"role"`
	Tenants []tenantClaim `json:"tenants"`
}

// Claims is the identity provider's access token payload.
type Claims struct {
	Email       string      `json:"email"`
	AppMetadata appMetadata `json:"app_metadata"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HS256 access tokens signed with the identity
// provider's shared secret.
type JWTProvider struct {
	cfg JWTConfig
}

func NewJWTProvider(cfg JWTConfig) (*JWTProvider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	return &JWTProvider{cfg: cfg}, nil
}

func (p *JWTProvider) Verify(_ context.Context, tokenStr string) (*Identity, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if p.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(p.cfg.Leeway))
	}
	if p.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(p.cfg.Issuer))
	}
	if p.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(p.cfg.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return p.cfg.Secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	id := &Identity{
		TokenID: claims.ID,
		Principal: models.Principal{
			ID:         claims.Subject,
			Email:      claims.Email,
			GlobalRole: models.Role(claims.AppMetadata.Role),
		},
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	for _, t := range claims.AppMetadata.Tenants {
		active := t.Active == nil || *t.Active
		id.Principal.Memberships = append(id.Principal.Memberships, models.TenantMembership{
			TenantID: t.TenantID,
			Role:     models.Role(t.Role),
			Active:   active,
		})
	}
	return id, nil
}
