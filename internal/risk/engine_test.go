package risk

import (
	"testing"
	"time"

	"security-gateway/internal/models"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("Mozilla/5.0", "1.2.3.4")
	b := Fingerprint("Mozilla/5.0", "1.2.3.4")
	if a != b {
		t.Fatalf("expected identical fingerprints, got %q and %q", a, b)
	}
	if a == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if Fingerprint("Mozilla/5.0", "1.2.3.5") == a {
		t.Fatal("expected different address to change fingerprint")
	}
	if Fingerprint("1.2.3.4", "Mozilla/5.0") == a {
		t.Fatal("expected swapped inputs to change fingerprint")
	}
}

func TestLevelThresholds(t *testing.T) {
	cases := map[int]models.RiskLevel{
		0:   models.RiskLow,
		39:  models.RiskLow,
		40:  models.RiskMedium,
		69:  models.RiskMedium,
		70:  models.RiskHigh,
		89:  models.RiskHigh,
		90:  models.RiskCritical,
		100: models.RiskCritical,
	}
	for score, want := range cases {
		if got := models.LevelForScore(score); got != want {
			t.Fatalf("score %d: expected %s, got %s", score, want, got)
		}
	}
}

func noon() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func TestScoreFactors(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	trusted := &models.DeviceRecord{Trusted: true}
	untrusted := &models.DeviceRecord{Trusted: false}

	tests := []struct {
		name    string
		req     Request
		device  *models.DeviceRecord
		recent  int
		want    int
		factors []string
	}{
		{"clean trusted", Request{UserAgent: "Mozilla/5.0", Timestamp: noon()}, trusted, 1, 0, nil},
		{"unseen device", Request{UserAgent: "Mozilla/5.0", Timestamp: noon()}, nil, 1, 20, []string{FactorNewDevice}},
		{"untrusted device", Request{UserAgent: "Mozilla/5.0", Timestamp: noon()}, untrusted, 1, 15, []string{FactorUntrustedDevice}},
		{"bot agent", Request{UserAgent: "Googlebot/2.1", Timestamp: noon()}, trusted, 1, 30, []string{FactorSuspiciousUserAgent}},
		{"night", Request{UserAgent: "Mozilla/5.0", Timestamp: time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)}, trusted, 1, 10, []string{FactorSuspiciousHour}},
		{"volume at 80 percent is not high", Request{UserAgent: "Mozilla/5.0", Timestamp: noon()}, trusted, 48, 0, nil},
		{"volume above 80 percent", Request{UserAgent: "Mozilla/5.0", Timestamp: noon()}, trusted, 49, 25, []string{FactorHighRequestVolume}},
		{"proxy", Request{UserAgent: "Mozilla/5.0", Timestamp: noon(), ProxyHeaders: true}, trusted, 1, 5, []string{FactorProxyHeaders}},
		{
			"everything",
			Request{UserAgent: "evil-Crawler", Timestamp: time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), ProxyHeaders: true},
			nil, 59, 90,
			[]string{FactorSuspiciousUserAgent, FactorNewDevice, FactorSuspiciousHour, FactorHighRequestVolume, FactorProxyHeaders},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := engine.Score(tc.req, tc.device, tc.recent, 60)
			if got.Score != tc.want {
				t.Fatalf("expected score %d, got %d (%+v)", tc.want, got.Score, got.Factors)
			}
			if got.Level != models.LevelForScore(tc.want) {
				t.Fatalf("expected level %s, got %s", models.LevelForScore(tc.want), got.Level)
			}
			if len(got.Factors) != len(tc.factors) {
				t.Fatalf("expected factors %v, got %+v", tc.factors, got.Factors)
			}
			for _, f := range tc.factors {
				if !got.Has(f) {
					t.Fatalf("expected factor %s in %+v", f, got.Factors)
				}
			}
		})
	}
}

func TestScoreClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{SuspiciousUserAgent: 80, UnseenDevice: 80, ProxyHeaders: -500}
	engine := NewEngine(cfg)

	high := engine.Score(Request{UserAgent: "bot", Timestamp: noon()}, nil, 0, 60)
	if high.Score != 100 || high.Level != models.RiskCritical {
		t.Fatalf("expected clamp to 100/CRITICAL, got %+v", high)
	}
	low := engine.Score(Request{UserAgent: "Mozilla", Timestamp: noon(), ProxyHeaders: true}, &models.DeviceRecord{Trusted: true}, 0, 60)
	if low.Score != 0 {
		t.Fatalf("expected clamp to 0, got %d", low.Score)
	}
}

func TestSuspiciousHourWrapsMidnight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspiciousHourStart = 22
	cfg.SuspiciousHourEnd = 3
	engine := NewEngine(cfg)

	for hour, want := range map[int]bool{21: false, 22: true, 0: true, 3: true, 4: false} {
		ts := time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
		if got := engine.SuspiciousHour(ts); got != want {
			t.Fatalf("hour %d: expected %v, got %v", hour, want, got)
		}
	}
}

func TestSuspiciousHourUsesLocation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Location = time.FixedZone("BRT", -3*60*60)
	engine := NewEngine(cfg)

	// 07:30 UTC is 04:30 in UTC-3.
	ts := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)
	if !engine.SuspiciousHour(ts) {
		t.Fatal("expected 04:30 local time to be suspicious")
	}
}
