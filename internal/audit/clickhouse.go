package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-gateway/internal/metrics"
	"security-gateway/internal/models"
	"security-gateway/internal/util"
)

const insertAnalytics = `INSERT INTO security_events_analytics
	(event_id, event_type, actor_id, tenant_id, source_address, user_agent, risk_score, details, created_at)`

type batchInserter interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// AnalyticsWriter buffers events and ships them to ClickHouse in batches,
// either when the batch fills or on the flush interval.
type AnalyticsWriter struct {
	db        batchInserter
	batchSize int

	mu      sync.Mutex
	pending [][]interface{}

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewAnalyticsWriter(db batchInserter, batchSize int, flushInterval time.Duration) *AnalyticsWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	w := &AnalyticsWriter{db: db, batchSize: batchSize, stop: make(chan struct{})}
	w.wg.Add(1)
	go w.loop(flushInterval)
	return w
}

func (w *AnalyticsWriter) Name() string { return "clickhouse" }

func (w *AnalyticsWriter) Write(ctx context.Context, e models.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.pending = append(w.pending, []interface{}{
		e.ID, string(e.EventType), e.ActorID, e.TenantID, e.SourceAddress,
		e.UserAgent, uint8(e.RiskScore), string(details), e.CreatedAt,
	})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush sends whatever is buffered. Rows of a failed batch are discarded.
func (w *AnalyticsWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	rows := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	return w.db.BatchInsert(ctx, insertAnalytics, rows)
}

func (w *AnalyticsWriter) loop(interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flushLogged()
		case <-w.stop:
			w.flushLogged()
			return
		}
	}
}

func (w *AnalyticsWriter) flushLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		metrics.AuditWriteFailures.WithLabelValues(w.Name()).Inc()
		util.Error("Failed to flush analytics batch", zap.Error(err))
	}
}

// Close flushes the remaining rows and stops the background loop.
func (w *AnalyticsWriter) Close() {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
	})
}
