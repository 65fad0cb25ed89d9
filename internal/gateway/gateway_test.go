package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"security-gateway/internal/audit"
	"security-gateway/internal/device"
	"security-gateway/internal/models"
	"security-gateway/internal/ratelimit"
	"security-gateway/internal/risk"
	"security-gateway/internal/store"
	"security-gateway/internal/token"
	"security-gateway/internal/util"
)

var noon = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeTokens struct {
	valid map[string]*models.Principal
	panic bool
	calls int
}

func (f *fakeTokens) Validate(_ context.Context, tok string) token.Result {
	f.calls++
	if f.panic {
		panic("identity client not initialised")
	}
	if p, ok := f.valid[tok]; ok {
		return token.Result{Valid: true, Principal: p}
	}
	return token.Result{Reason: "token verification failed: signature is invalid", Err: token.ErrInvalidToken}
}

type brokenDevices struct{ device.Store }

func (brokenDevices) Get(context.Context, string) (*models.DeviceRecord, error) {
	return nil, errors.New("redis: connection refused")
}

type harness struct {
	gw      *Gateway
	events  *audit.MemoryWriter
	limiter *ratelimit.Limiter
	tokens  *fakeTokens
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	now := func() time.Time { return noon }
	events := audit.NewMemoryWriter()
	limiter := ratelimit.New(store.NewMemoryCounter(0, now), ratelimit.WithClock(now))
	tokens := &fakeTokens{valid: map[string]*models.Principal{
		"good": {ID: "user-1", Email: "ops@example.com", GlobalRole: models.RoleAdmin},
	}}

	cfg := DefaultConfig()
	deps := Deps{
		Engine:  risk.NewEngine(risk.DefaultConfig()),
		Limiter: limiter,
		Devices: device.NewTracker(device.NewMemoryStore(0), device.Config{Now: now}),
		Tokens:  tokens,
		Audit:   audit.NewSink(time.Second, events).WithClock(now),
		Now:     now,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	return &harness{gw: New(cfg, deps), events: events, limiter: limiter, tokens: tokens}
}

func req(path string) RequestContext {
	return RequestContext{SourceAddress: "1.2.3.4", UserAgent: "Mozilla/5.0", Path: path, Method: http.MethodGet}
}

func TestRateLimitRejectsSixtyFirstRequest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		if d := h.gw.Evaluate(ctx, req("/contracts")); !d.Allow {
			t.Fatalf("request %d: expected allow, got %d", i, d.Status)
		}
	}
	d := h.gw.Evaluate(ctx, req("/contracts"))
	if d.Allow || d.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got allow=%v status=%d", d.Allow, d.Status)
	}
	if got := d.Headers.Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
	if d.Headers.Get("X-Frame-Options") != "DENY" {
		t.Fatal("expected security headers on rejection")
	}

	limited := h.events.OfType(models.EventRateLimitExceeded)
	if len(limited) != 1 || limited[0].RiskScore != 80 {
		t.Fatalf("expected one RATE_LIMIT_EXCEEDED at risk 80, got %+v", limited)
	}
}

func TestProfilesApplyDifferentCeilings(t *testing.T) {
	h := newHarness(t, nil)
	if p := h.gw.ProfileFor("/api/admin/users"); p.Name != "admin" || p.MaxRequestsPerMinute != 30 || !p.GeoCheck {
		t.Fatalf("expected admin profile, got %+v", p)
	}
	if p := h.gw.ProfileFor("/api/contracts"); p.Name != "api" || p.MaxRequestsPerMinute != 120 || !p.RequireMFA {
		t.Fatalf("expected api profile, got %+v", p)
	}
	if p := h.gw.ProfileFor("/billing"); p.Name != "default" || p.MaxRequestsPerMinute != 60 {
		t.Fatalf("expected default profile, got %+v", p)
	}

	ctx := context.Background()
	for i := 0; i < 120; i++ {
		if d := h.gw.Evaluate(ctx, req("/api/contracts")); !d.Allow {
			t.Fatalf("api request %d rejected", i+1)
		}
	}
	if d := h.gw.Evaluate(ctx, req("/api/contracts")); d.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 121st api request to be limited, got %d", d.Status)
	}
}

func TestProtectedPathWithoutToken(t *testing.T) {
	h := newHarness(t, nil)
	d := h.gw.Evaluate(context.Background(), req("/admin/x"))

	if d.Allow || d.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got allow=%v status=%d", d.Allow, d.Status)
	}
	if d.Body["error"] != "Authentication required" {
		t.Fatalf("unexpected body %v", d.Body)
	}
	events := h.events.OfType(models.EventUnauthorizedAccess)
	if len(events) != 1 {
		t.Fatalf("expected exactly one UNAUTHORIZED_ACCESS_ATTEMPT, got %d", len(events))
	}
	if events[0].RiskScore != d.Assessment.Score+20 {
		t.Fatalf("expected risk base+20 (%d), got %d", d.Assessment.Score+20, events[0].RiskScore)
	}
	if h.tokens.calls != 0 {
		t.Fatal("validator must not run without a token")
	}
}

func TestProtectedPathWithInvalidToken(t *testing.T) {
	h := newHarness(t, nil)
	rc := req("/dashboard")
	rc.Token = "forged"
	d := h.gw.Evaluate(context.Background(), rc)

	if d.Status != http.StatusUnauthorized || d.Body["error"] != "Invalid token" {
		t.Fatalf("expected invalid token 401, got %d %v", d.Status, d.Body)
	}
	events := h.events.OfType(models.EventInvalidTokenAccess)
	if len(events) != 1 || events[0].RiskScore != d.Assessment.Score+30 {
		t.Fatalf("expected one INVALID_TOKEN_ACCESS at base+30, got %+v", events)
	}
	if events[0].Details["error"] == "" {
		t.Fatal("expected validator reason in details")
	}
}

func TestProtectedAdminPathWithValidToken(t *testing.T) {
	h := newHarness(t, nil)
	rc := req("/admin/tenants")
	rc.Token = "good"
	d := h.gw.Evaluate(context.Background(), rc)

	if !d.Allow || d.Principal == nil || d.Principal.ID != "user-1" {
		t.Fatalf("expected allowed with principal, got %+v", d)
	}
	if d.Headers.Get(HeaderUserID) != "user-1" || d.Headers.Get(HeaderUserEmail) != "ops@example.com" {
		t.Fatalf("expected identity headers, got %v", d.Headers)
	}
	if d.Headers.Get(HeaderMFARequired) != "true" {
		t.Fatal("expected admin profile to flag MFA")
	}
	admin := h.events.OfType(models.EventAdminAccess)
	if len(admin) != 1 || admin[0].ActorID != "user-1" || admin[0].Details["is_admin_access"] != true {
		t.Fatalf("expected ADMIN_ACCESS event, got %+v", admin)
	}
}

func TestStaticPathsBypassEverything(t *testing.T) {
	h := newHarness(t, nil)
	d := h.gw.Evaluate(context.Background(), req("/_next/static/chunk.js"))
	if !d.Allow || !d.Bypassed || len(d.Headers) != 0 {
		t.Fatalf("expected untouched pass-through, got %+v", d)
	}
	stats, err := h.limiter.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 0 {
		t.Fatalf("static paths must not be counted, got %d", stats.TotalRequests)
	}
}

func TestHighRiskRequestIsAudited(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		rc := risk.DefaultConfig()
		rc.Weights.SuspiciousUserAgent = 60
		deps.Engine = risk.NewEngine(rc)
	})
	rc := req("/contracts")
	rc.UserAgent = "AcmeCrawler/2.1"
	d := h.gw.Evaluate(context.Background(), rc)

	if !d.Allow {
		t.Fatal("high risk requests are still allowed")
	}
	if d.Assessment.Level != models.RiskHigh {
		t.Fatalf("expected HIGH, got %s (%d)", d.Assessment.Level, d.Assessment.Score)
	}
	events := h.events.OfType(models.EventHighRiskRequest)
	if len(events) != 1 {
		t.Fatalf("expected one HIGH_RISK_REQUEST, got %d", len(events))
	}
	factors, ok := events[0].Details["factors"].(map[string]interface{})
	if !ok || factors[risk.FactorSuspiciousUserAgent] == nil {
		t.Fatalf("expected contributing factors, got %v", events[0].Details["factors"])
	}
}

func TestDeviceIsRememberedBetweenRequests(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.gw.Evaluate(ctx, req("/contracts"))
	second := h.gw.Evaluate(ctx, req("/contracts"))
	if !first.Assessment.Has(risk.FactorNewDevice) {
		t.Fatalf("expected first sighting to be new, got %+v", first.Assessment.Factors)
	}
	if !second.Assessment.Has(risk.FactorUntrustedDevice) || second.Assessment.Has(risk.FactorNewDevice) {
		t.Fatalf("expected known untrusted device, got %+v", second.Assessment.Factors)
	}
}

func TestFailurePolicy(t *testing.T) {
	broken := func(cfg *Config, deps *Deps) {
		deps.Devices = device.NewTracker(brokenDevices{}, device.Config{})
	}

	t.Run("fail open", func(t *testing.T) {
		h := newHarness(t, broken)
		d := h.gw.Evaluate(context.Background(), req("/contracts"))
		if !d.Allow || !d.Faulted {
			t.Fatalf("expected fail-open allow, got %+v", d)
		}
		if d.Headers.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatal("expected security headers on fail-open")
		}
		faults := h.events.OfType(models.EventMiddlewareError)
		if len(faults) != 1 || faults[0].RiskScore != 50 {
			t.Fatalf("expected MIDDLEWARE_ERROR at 50, got %+v", faults)
		}
	})

	t.Run("fail closed", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config, deps *Deps) {
			broken(cfg, deps)
			cfg.FailOpen = false
		})
		d := h.gw.Evaluate(context.Background(), req("/contracts"))
		if d.Allow || d.Status != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got allow=%v status=%d", d.Allow, d.Status)
		}
	})

	t.Run("panic", func(t *testing.T) {
		h := newHarness(t, nil)
		h.tokens.panic = true
		rc := req("/admin")
		rc.Token = "good"
		d := h.gw.Evaluate(context.Background(), rc)
		if !d.Allow || !d.Faulted {
			t.Fatalf("expected recovered fail-open, got %+v", d)
		}
		if len(h.events.OfType(models.EventMiddlewareError)) != 1 {
			t.Fatal("expected MIDDLEWARE_ERROR for recovered panic")
		}
	})
}

func TestDebugHeadersOnlyWhenEnabled(t *testing.T) {
	h := newHarness(t, nil)
	d := h.gw.Evaluate(context.Background(), req("/contracts"))
	if d.Headers.Get(HeaderRiskScore) != "" {
		t.Fatal("debug headers must be off by default")
	}

	h = newHarness(t, func(cfg *Config, _ *Deps) { cfg.Debug = true })
	d = h.gw.Evaluate(context.Background(), req("/contracts"))
	if d.Headers.Get(HeaderRiskScore) != strconv.Itoa(d.Assessment.Score) {
		t.Fatalf("expected risk score header, got %q", d.Headers.Get(HeaderRiskScore))
	}
	if d.Headers.Get(HeaderRiskLevel) != string(d.Assessment.Level) || d.Headers.Get(HeaderProcessingTime) == "" {
		t.Fatalf("expected debug headers, got %v", d.Headers)
	}
}

func TestMiddleware(t *testing.T) {
	h := newHarness(t, nil)
	var seen *models.Principal
	var spoofed string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		spoofed = r.Header.Get(HeaderUserID)
		w.WriteHeader(http.StatusNoContent)
	})
	handler := h.gw.Middleware(next)

	r := httptest.NewRequest(http.MethodGet, "/admin/settings", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("Authorization", "Bearer good")
	r.Header.Set(HeaderUserID, "attacker")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", w.Code)
	}
	if seen == nil || seen.ID != "user-1" || spoofed != "user-1" {
		t.Fatalf("expected gateway principal downstream, got %v / %q", seen, spoofed)
	}
	if w.Header().Get("Referrer-Policy") != "strict-origin-when-cross-origin" {
		t.Fatal("expected security headers on response")
	}

	r = httptest.NewRequest(http.MethodGet, "/admin/settings", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] != "Authentication required" {
		t.Fatalf("expected JSON error body, got %v (%v)", body, err)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected JSON content type, got %q", w.Header().Get("Content-Type"))
	}
}

func TestPrefixesMatchWholeSegments(t *testing.T) {
	tests := []struct {
		path     string
		prefixes []string
		want     bool
	}{
		{"/admin", []string{"/admin"}, true},
		{"/admin/users", []string{"/admin"}, true},
		{"/administrator", []string{"/admin"}, false},
		{"/dashboards-public", []string{"/dashboard"}, false},
		{"/dashboard/tenants", []string{"/dashboard"}, true},
		{"/api/contracts", []string{"/api/"}, true},
		{"/apidocs", []string{"/api/"}, false},
		{"/favicon.ico", []string{"/favicon.ico"}, true},
		{"/anything", []string{""}, false},
	}
	for _, tt := range tests {
		if got := hasPrefix(tt.path, tt.prefixes); got != tt.want {
			t.Errorf("hasPrefix(%q, %v) = %v, want %v", tt.path, tt.prefixes, got, tt.want)
		}
	}

	h := newHarness(t, nil)
	d := h.gw.Evaluate(context.Background(), req("/administrator"))
	if !d.Allow {
		t.Fatalf("expected /administrator to stay public, got %d", d.Status)
	}
	if p := h.gw.ProfileFor("/administrator"); p.Name != "default" {
		t.Fatalf("expected default profile for /administrator, got %s", p.Name)
	}
}

func TestMiddlewareIgnoresForwardingHeadersFromUntrustedPeer(t *testing.T) {
	h := newHarness(t, nil)
	var source string
	handler := h.gw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source = SourceAddress(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	rejected := 0
	for i := 0; i < 200; i++ {
		r := httptest.NewRequest(http.MethodGet, "/contracts", nil)
		r.RemoteAddr = "198.51.100.9:4444"
		r.Header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i%250))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	if rejected != 140 {
		t.Fatalf("expected 140 rejections for one peer rotating X-Forwarded-For, got %d", rejected)
	}
	if source != "198.51.100.9" {
		t.Fatalf("expected transport address downstream, got %q", source)
	}
}

func TestMiddlewareHonorsForwardingHeadersFromTrustedProxy(t *testing.T) {
	proxies, err := util.ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	h := newHarness(t, func(cfg *Config, _ *Deps) { cfg.TrustedProxies = proxies })
	var source string
	handler := h.gw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source = SourceAddress(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 100; i++ {
		r := httptest.NewRequest(http.MethodGet, "/contracts", nil)
		r.RemoteAddr = "10.0.0.5:8080"
		r.Header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i)+", 10.0.0.7")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusNoContent {
			t.Fatalf("request %d: distinct clients behind the proxy were limited: %d", i, w.Code)
		}
	}
	if source != "203.0.113.99" {
		t.Fatalf("expected client hop from X-Forwarded-For, got %q", source)
	}
}
