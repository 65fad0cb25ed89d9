// Package encryption resolves KMS encrypted configuration values.
package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"security-gateway/internal/config"
	"security-gateway/internal/util"
)

const KMSPrefix = "kms:"

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrKMSDisabled      = errors.New("kms encrypted value found but KMS is disabled")
)

type kmsAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SecretResolver turns "kms:<base64 ciphertext>" values into plaintext.
// Plain values pass through unchanged.
type SecretResolver struct {
	kmsClient kmsAPI
	cache     sync.Map // ciphertext -> plaintext
}

// NewSecretResolver accepts a nil client when KMS is disabled.
func NewSecretResolver(kmsClient kmsAPI) *SecretResolver {
	return &SecretResolver{kmsClient: kmsClient}
}

func (r *SecretResolver) Resolve(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, KMSPrefix) {
		return value, nil
	}
	encoded := strings.TrimPrefix(value, KMSPrefix)
	if cached, ok := r.cache.Load(encoded); ok {
		return cached.(string), nil
	}
	if r.kmsClient == nil {
		return "", ErrKMSDisabled
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}
	out, err := r.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext := string(out.Plaintext)
	r.cache.Store(encoded, plaintext)
	return plaintext, nil
}

type secretField struct {
	name string
	ptr  *string
}

// ResolveConfig decrypts every secret-bearing field of cfg in place.
func (r *SecretResolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	fields := []secretField{
		{"IDENTITY_JWT_SECRET", &cfg.Identity.JWTSecret},
		{"DATABASE_URL", &cfg.Postgres.URL},
		{"REDIS_PASSWORD", &cfg.Redis.Password},
		{"SCYLLA_PASSWORD", &cfg.Scylla.Password},
		{"ELASTICSEARCH_PASSWORD", &cfg.Elasticsearch.Password},
		{"CLICKHOUSE_PASSWORD", &cfg.Clickhouse.Password},
	}
	for i := range cfg.Notifications.Channels {
		ch := &cfg.Notifications.Channels[i]
		fields = append(fields,
			secretField{ch.Type + " url", &ch.URL},
			secretField{ch.Type + " auth header", &ch.AuthHeader},
		)
	}

	resolved := 0
	for _, f := range fields {
		if !strings.HasPrefix(*f.ptr, KMSPrefix) {
			continue
		}
		plain, err := r.Resolve(ctx, *f.ptr)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", f.name, err)
		}
		*f.ptr = plain
		resolved++
	}
	if resolved > 0 {
		util.Info("Resolved encrypted configuration values", zap.Int("count", resolved))
	}
	return nil
}

// ClearCache drops every cached plaintext.
func (r *SecretResolver) ClearCache() {
	r.cache.Range(func(key, _ interface{}) bool {
		r.cache.Delete(key)
		return true
	})
}
