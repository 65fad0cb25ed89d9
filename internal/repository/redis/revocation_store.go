package redis

import (
	"context"
	"fmt"
	"time"

	"security-gateway/internal/client"
)

const revokedTokenPrefix = "revoked_token:"

type RevocationStore struct {
	client *client.RedisClient
}

func NewRevocationStore(client *client.RedisClient) *RevocationStore {
	return &RevocationStore{client: client}
}

func (s *RevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	revoked, err := s.client.Exists(ctx, revokedTokenPrefix+tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return revoked, nil
}

// Revoke marks tokenID revoked until ttl, normally the token's remaining
// lifetime.
func (s *RevocationStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, revokedTokenPrefix+tokenID, "1", ttl); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}
