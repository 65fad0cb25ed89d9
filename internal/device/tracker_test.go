package device

import (
	"context"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTracker(c *clock) *Tracker {
	return NewTracker(NewMemoryStore(4), Config{Now: c.Now})
}

func TestTouchRoundTrip(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	c := &clock{t: t0}
	tr := newTracker(c)

	rec, err := tr.Touch(ctx, "fp")
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if rec.Trusted || !rec.FirstSeen.Equal(t0) {
		t.Fatalf("unexpected first sighting %+v", rec)
	}

	c.t = t0.Add(time.Second)
	rec, _ = tr.Touch(ctx, "fp")
	if !rec.LastSeen.Equal(t0.Add(time.Second)) {
		t.Fatalf("expected lastSeen T0+1s, got %s", rec.LastSeen)
	}
	if rec.Trusted {
		t.Fatal("device must not be trusted after one second")
	}

	c.t = t0.Add(DefaultTrustAfter)
	rec, _ = tr.Touch(ctx, "fp")
	if !rec.Trusted {
		t.Fatalf("expected trust after dwell time, got %+v", rec)
	}
	if !rec.FirstSeen.Equal(t0) {
		t.Fatalf("first sighting must not move, got %s", rec.FirstSeen)
	}
}

func TestLookupTreatsInactiveDeviceAsUnseen(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	c := &clock{t: t0}
	tr := newTracker(c)

	if rec, _ := tr.Lookup(ctx, "fp"); rec != nil {
		t.Fatalf("expected unknown device, got %+v", rec)
	}
	_, _ = tr.Touch(ctx, "fp")
	if rec, _ := tr.Lookup(ctx, "fp"); rec == nil {
		t.Fatal("expected device after touch")
	}

	c.t = t0.Add(DefaultInactivity + time.Hour)
	if rec, _ := tr.Lookup(ctx, "fp"); rec != nil {
		t.Fatalf("expected inactive device to be unseen, got %+v", rec)
	}

	rec, _ := tr.Touch(ctx, "fp")
	if !rec.FirstSeen.Equal(c.t) || rec.Trusted {
		t.Fatalf("expected evicted device to start over, got %+v", rec)
	}
}

func TestSweepAndStats(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	c := &clock{t: t0}
	tr := newTracker(c)

	_, _ = tr.Touch(ctx, "old")
	c.t = t0.Add(8 * 24 * time.Hour)
	_, _ = tr.Touch(ctx, "old")
	_, _ = tr.Touch(ctx, "new")

	stats, _ := tr.Stats(ctx)
	if stats.TotalDevices != 2 || stats.TrustedDevices != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	c.t = t0.Add(8*24*time.Hour + DefaultInactivity + time.Minute)
	removed, err := tr.Sweep(ctx)
	if err != nil || removed != 2 {
		t.Fatalf("expected both devices swept, got %d (%v)", removed, err)
	}

	_, _ = tr.Touch(ctx, "x")
	_ = tr.Clear(ctx)
	stats, _ = tr.Stats(ctx)
	if stats.TotalDevices != 0 {
		t.Fatalf("expected empty store, got %+v", stats)
	}
}
