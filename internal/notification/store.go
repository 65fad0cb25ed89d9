package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"security-gateway/internal/client"
	"security-gateway/internal/models"
	"security-gateway/internal/util"
)

// Store persists notifications and their acknowledgement state.
type Store interface {
	Save(ctx context.Context, n *models.SecurityNotification) error
	// Find loads one notification regardless of its acknowledgement state.
	Find(ctx context.Context, id string) (*models.SecurityNotification, error)
	// Acknowledge is idempotent: a second call returns the notification with
	// its original acknowledgement. A non-empty tenantID restricts the write to
	// that tenant's rows; anything else is ErrNotificationNotFound.
	Acknowledge(ctx context.Context, id, tenantID, by string, at time.Time) (*models.SecurityNotification, error)
	// ListUnacknowledged returns newest first. An empty tenantID lists all.
	ListUnacknowledged(ctx context.Context, tenantID string, limit int) ([]models.SecurityNotification, error)
	// Scoped returns a store bound to q, typically a tenant scoped transaction.
	Scoped(q client.Querier) Store
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*models.SecurityNotification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*models.SecurityNotification)}
}

func (m *MemoryStore) Save(_ context.Context, n *models.SecurityNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *MemoryStore) Find(_ context.Context, id string) (*models.SecurityNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) Acknowledge(_ context.Context, id, tenantID, by string, at time.Time) (*models.SecurityNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || (tenantID != "" && n.TenantID != tenantID) {
		return nil, ErrNotificationNotFound
	}
	if !n.Acknowledged {
		n.Acknowledged = true
		n.AcknowledgedBy = by
		ackAt := at
		n.AcknowledgedAt = &ackAt
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) ListUnacknowledged(_ context.Context, tenantID string, limit int) ([]models.SecurityNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SecurityNotification, 0)
	for _, n := range m.items {
		if n.Acknowledged || (tenantID != "" && n.TenantID != tenantID) {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Scoped(client.Querier) Store { return m }

// Get returns a copy of the stored notification.
func (m *MemoryStore) Get(id string) (models.SecurityNotification, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.items[id]
	if !ok {
		return models.SecurityNotification{}, false
	}
	return *n, true
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// PostgresStore keeps notifications in the security_notifications table.
type PostgresStore struct {
	db client.Querier
}

func NewPostgresStore(db client.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Scoped(q client.Querier) Store { return &PostgresStore{db: q} }

func (s *PostgresStore) Save(ctx context.Context, n *models.SecurityNotification) error {
	details, err := json.Marshal(n.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO security_notifications (
			id, type, severity, title, message, details, user_id, tenant_id,
			ip_address, user_agent, created_at, acknowledged
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, NULLIF($7, ''), NULLIF($8, ''),
			NULLIF($9, ''), NULLIF($10, ''), $11, false)`,
		n.ID, string(n.Type), string(n.Severity), n.Title, n.Message, details,
		n.ActorID, n.TenantID, n.SourceAddress, n.UserAgent, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

const selectNotification = `
	SELECT id::text AS id, type, severity, title, message,
		COALESCE(details, '{}'::jsonb) AS details,
		COALESCE(user_id::text, '') AS user_id,
		COALESCE(tenant_id::text, '') AS tenant_id,
		COALESCE(ip_address::text, '') AS ip_address,
		COALESCE(user_agent, '') AS user_agent,
		created_at, acknowledged,
		COALESCE(acknowledged_by::text, '') AS acknowledged_by,
		acknowledged_at
	FROM security_notifications`

func (s *PostgresStore) Find(ctx context.Context, id string) (*models.SecurityNotification, error) {
	rows, err := s.db.Query(ctx, selectNotification+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification: %w", err)
	}
	return collectNotification(rows)
}

func (s *PostgresStore) Acknowledge(ctx context.Context, id, tenantID, by string, at time.Time) (*models.SecurityNotification, error) {
	if _, err := s.db.Exec(ctx, `
		UPDATE security_notifications
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 AND acknowledged = false
			AND ($4 = '' OR tenant_id::text = $4)`, id, by, at, tenantID); err != nil {
		return nil, fmt.Errorf("failed to acknowledge notification: %w", err)
	}

	rows, err := s.db.Query(ctx, selectNotification+`
		WHERE id = $1 AND ($2 = '' OR tenant_id::text = $2)`, id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification: %w", err)
	}
	return collectNotification(rows)
}

func collectNotification(rows pgx.Rows) (*models.SecurityNotification, error) {
	n, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.SecurityNotification])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListUnacknowledged(ctx context.Context, tenantID string, limit int) ([]models.SecurityNotification, error) {
	rows, err := s.db.Query(ctx, selectNotification+`
		WHERE acknowledged = false AND ($1 = '' OR tenant_id::text = $1)
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.SecurityNotification])
	if err != nil {
		return nil, fmt.Errorf("failed to scan notifications: %w", err)
	}
	return out, nil
}

// Indexer mirrors documents into a search index.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// IndexedStore mirrors every saved or acknowledged notification into a search
// index. Index failures are logged and never fail the write. Stores returned
// by Scoped do not mirror: their writes may still roll back, so callers
// mirror through Mirror once the scoped transaction has committed.
type IndexedStore struct {
	Store
	indexer Indexer
	index   string
}

func NewIndexedStore(inner Store, indexer Indexer, index string) *IndexedStore {
	return &IndexedStore{Store: inner, indexer: indexer, index: index}
}

func (s *IndexedStore) Save(ctx context.Context, n *models.SecurityNotification) error {
	if err := s.Store.Save(ctx, n); err != nil {
		return err
	}
	s.Mirror(ctx, *n)
	return nil
}

func (s *IndexedStore) Acknowledge(ctx context.Context, id, tenantID, by string, at time.Time) (*models.SecurityNotification, error) {
	n, err := s.Store.Acknowledge(ctx, id, tenantID, by, at)
	if err != nil {
		return nil, err
	}
	s.Mirror(ctx, *n)
	return n, nil
}

func (s *IndexedStore) Scoped(q client.Querier) Store {
	return s.Store.Scoped(q)
}

// Mirror copies a committed notification into the index.
func (s *IndexedStore) Mirror(ctx context.Context, n models.SecurityNotification) {
	if err := s.indexer.IndexDocument(ctx, s.index, n.ID, n); err != nil {
		util.Warn("Failed to index security notification",
			zap.String("id", n.ID),
			zap.String("index", s.index),
			zap.Error(err))
	}
}
