// Package device tracks fingerprints and promotes long-lived ones to trusted.
package device

import (
	"context"
	"fmt"
	"time"

	"security-gateway/internal/models"
	"security-gateway/internal/store"
)

const (
	DefaultTrustAfter = 7 * 24 * time.Hour
	DefaultInactivity = 30 * 24 * time.Hour
)

// Store persists device records. Get returns nil, nil for unknown
// fingerprints.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*models.DeviceRecord, error)
	Put(ctx context.Context, rec models.DeviceRecord) error
	// Sweep removes records last seen before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) error
}

type Stats struct {
	TotalDevices   int `json:"total_devices"`
	TrustedDevices int `json:"trusted_devices"`
}

type Config struct {
	TrustAfter time.Duration
	Inactivity time.Duration
	Now        func() time.Time
}

type Tracker struct {
	store      Store
	trustAfter time.Duration
	inactivity time.Duration
	now        func() time.Time
}

func NewTracker(s Store, cfg Config) *Tracker {
	t := &Tracker{
		store:      s,
		trustAfter: cfg.TrustAfter,
		inactivity: cfg.Inactivity,
		now:        cfg.Now,
	}
	if t.trustAfter <= 0 {
		t.trustAfter = DefaultTrustAfter
	}
	if t.inactivity <= 0 {
		t.inactivity = DefaultInactivity
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t *Tracker) stale(rec *models.DeviceRecord, now time.Time) bool {
	return now.Sub(rec.LastSeen) > t.inactivity
}

// Lookup returns the live record for fingerprint, or nil when the device has
// never been seen or has been inactive past the eviction window.
func (t *Tracker) Lookup(ctx context.Context, fingerprint string) (*models.DeviceRecord, error) {
	rec, err := t.store.Get(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if rec == nil || t.stale(rec, t.now()) {
		return nil, nil
	}
	return rec, nil
}

// Touch records a sighting. Trust is granted once the device has been seen
// for TrustAfter since its first sighting; an evicted device starts over.
func (t *Tracker) Touch(ctx context.Context, fingerprint string) (models.DeviceRecord, error) {
	now := t.now()
	rec, err := t.store.Get(ctx, fingerprint)
	if err != nil {
		return models.DeviceRecord{}, fmt.Errorf("failed to load device: %w", err)
	}

	if rec == nil || t.stale(rec, now) {
		rec = &models.DeviceRecord{Fingerprint: fingerprint, FirstSeen: now}
	}
	rec.LastSeen = now
	if !rec.Trusted && now.Sub(rec.FirstSeen) >= t.trustAfter {
		rec.Trusted = true
	}

	if err := t.store.Put(ctx, *rec); err != nil {
		return *rec, fmt.Errorf("failed to save device: %w", err)
	}
	return *rec, nil
}

func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	return t.store.Sweep(ctx, t.now().Add(-t.inactivity))
}

func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	store.RunSweeper(ctx, "devices", interval, t.Sweep)
}

func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	return t.store.Stats(ctx)
}

func (t *Tracker) Clear(ctx context.Context) error {
	return t.store.Clear(ctx)
}
