package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"security-gateway/internal/audit"
	"security-gateway/internal/device"
	"security-gateway/internal/gateway"
	"security-gateway/internal/models"
	"security-gateway/internal/notification"
	"security-gateway/internal/ratelimit"
	"security-gateway/internal/service"
	"security-gateway/internal/store"
	"security-gateway/internal/tenant"
)

var noon = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

var principals = map[string]*models.Principal{
	"admin": {ID: "admin-1", GlobalRole: models.RoleAdmin},
	"user":  {ID: "user-1", GlobalRole: models.RoleUser},
	"tadmin": {
		ID:          "tadmin-1",
		GlobalRole:  models.RoleUser,
		Memberships: []models.TenantMembership{{TenantID: "t1", Role: models.RoleTenantAdmin, Active: true}},
	},
}

// asPrincipal stands in for the gateway: the bearer token names a principal.
func asPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if p, ok := principals[tok]; ok {
			cp := *p
			r = r.WithContext(gateway.WithPrincipal(r.Context(), &cp))
		}
		next.ServeHTTP(w, r)
	})
}

type fakeHealth map[string]error

func (f fakeHealth) HealthCheck(context.Context) map[string]error { return f }

type testServer struct {
	router http.Handler
	events *audit.MemoryWriter
	notes  *notification.MemoryStore
}

func newTestServer(t *testing.T, health HealthChecker) *testServer {
	t.Helper()
	now := func() time.Time { return noon }
	events := audit.NewMemoryWriter()
	sink := audit.NewSink(time.Second, events).WithClock(now)
	counter := store.NewMemoryCounter(0, now)
	notes := notification.NewMemoryStore()

	svc, err := service.NewSecurityService(service.Deps{
		Limiter:  ratelimit.New(counter, ratelimit.WithClock(now)),
		Devices:  device.NewTracker(device.NewMemoryStore(0), device.Config{Now: now}),
		Recorder: sink,
		Notifier: notification.NewDispatcher(notification.Options{Enabled: true, Store: notes, Counter: counter, Now: now}),
		Guard:    tenant.NewGuard(tenant.DirectRunner{}, sink),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewSecurityService: %v", err)
	}

	router := NewRouter(RouterConfig{
		CORSOrigins: []string{"https://*"},
		Gateway:     asPrincipal,
		Health:      health,
	}, NewSecurityHandler(svc, zap.NewNop()), zap.NewNop())
	return &testServer{router: router, events: events, notes: notes}
}

func (s *testServer) do(t *testing.T, method, path, token, tenantID, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:41000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if tenantID != "" {
		req.Header.Set(HeaderTenantID, tenantID)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") && path != "/health" {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, resp
}

func TestReportEventEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/security/events", "user", "",
		`{"event_type":"LOGIN_FAILED","risk_score":10,"details":{"reason":"bad password"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	got := s.events.OfType(models.EventLoginFailed)
	if len(got) != 1 || got[0].ActorID != "user-1" || got[0].SourceAddress != "203.0.113.9" {
		t.Fatalf("unexpected recorded events: %+v", got)
	}

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"event_type":`},
		{"unknown type", `{"event_type":"NOPE"}`},
		{"gateway type", `{"event_type":"HIGH_RISK_REQUEST"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, http.MethodPost, "/api/v1/security/events", "user", "", tt.body)
			if rec.Code != http.StatusBadRequest || resp.Success {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}

	rec, _ = s.do(t, http.MethodPost, "/api/v1/security/events", "user", "",
		`{"event_type":"ACCOUNT_LOCKED","user_id":"someone-else"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's event, got %d", rec.Code)
	}
	rec, _ = s.do(t, http.MethodPost, "/api/v1/security/events", "", "", `{"event_type":"LOGIN_FAILED"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a principal, got %d", rec.Code)
	}
	if n := len(s.events.OfType(models.EventAccountLocked)); n != 0 {
		t.Fatalf("forged event recorded: %d", n)
	}
}

func TestNotificationsAccessControl(t *testing.T) {
	s := newTestServer(t, nil)
	for _, n := range []models.SecurityNotification{
		{ID: "n1", TenantID: "t1", Type: models.NotifyHighRiskLogin, CreatedAt: noon.Add(-time.Minute)},
		{ID: "n2", TenantID: "t2", Type: models.NotifyAdminAccess, CreatedAt: noon},
	} {
		n := n
		if err := s.notes.Save(context.Background(), &n); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	tests := []struct {
		name     string
		token    string
		tenant   string
		wantCode int
		wantErr  string
		wantIDs  int
	}{
		{"anonymous", "", "", http.StatusUnauthorized, tenant.CodeAuthenticationRequired, 0},
		{"plain user", "user", "", http.StatusForbidden, tenant.CodeInsufficientPermissions, 0},
		{"tenant admin without tenant", "tadmin", "", http.StatusForbidden, tenant.CodeInsufficientPermissions, 0},
		{"tenant admin in foreign tenant", "tadmin", "t2", http.StatusForbidden, tenant.CodeTenantAccessDenied, 0},
		{"tenant admin in own tenant", "tadmin", "t1", http.StatusOK, "", 1},
		{"platform admin", "admin", "", http.StatusOK, "", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, http.MethodGet, "/api/v1/security/notifications", tt.token, tt.tenant, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if resp.Code != tt.wantErr {
				t.Fatalf("expected code %q, got %q", tt.wantErr, resp.Code)
			}
			if tt.wantCode == http.StatusOK {
				list, ok := resp.Data.([]interface{})
				if !ok || len(list) != tt.wantIDs {
					t.Fatalf("expected %d notifications, got %v", tt.wantIDs, resp.Data)
				}
			}
		})
	}

	if n := len(s.events.OfType(models.EventTenantAccessDenied)); n != 3 {
		t.Fatalf("expected 3 audited denials, got %d", n)
	}

	rec, _ := s.do(t, http.MethodGet, "/api/v1/security/notifications?limit=x", "admin", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestAcknowledgeEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	n := models.SecurityNotification{ID: "n1", TenantID: "t1", CreatedAt: noon}
	if err := s.notes.Save(context.Background(), &n); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, resp := s.do(t, http.MethodPost, "/api/v1/security/notifications/n1/ack", "tadmin", "t1", "")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	stored, _ := s.notes.Get("n1")
	if !stored.Acknowledged || stored.AcknowledgedBy != "tadmin-1" {
		t.Fatalf("notification not acknowledged: %+v", stored)
	}

	rec, _ = s.do(t, http.MethodPost, "/api/v1/security/notifications/missing/ack", "admin", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminOperations(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/security/blocks", "user", "", `{"ip":"192.0.2.1"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin block, got %d", rec.Code)
	}

	rec, _ = s.do(t, http.MethodPost, "/api/v1/security/blocks", "admin", "", `{"ip":"192.0.2.1","minutes":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec, _ = s.do(t, http.MethodPost, "/api/v1/security/blocks", "admin", "", `{"minutes":5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without ip, got %d", rec.Code)
	}

	rec, resp := s.do(t, http.MethodGet, "/api/v1/security/stats", "admin", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok || data["rate_limit"] == nil || data["devices"] == nil {
		t.Fatalf("unexpected stats payload: %v", resp.Data)
	}

	rec, _ = s.do(t, http.MethodDelete, "/api/v1/security/cache", "admin", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, fakeHealth{"redis": nil, "postgres": errors.New("connection refused")})

	rec, _ := s.do(t, http.MethodGet, "/health", "", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "unhealthy" || body.Checks["redis"] != "ok" || body.Checks["postgres"] != "connection refused" {
		t.Fatalf("unexpected health body: %+v", body)
	}

	healthy := newTestServer(t, fakeHealth{"redis": nil})
	if rec, _ := healthy.do(t, http.MethodGet, "/health", "", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec, _ = s.do(t, http.MethodGet, "/metrics", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", rec.Code)
	}

	rec, _ = s.do(t, http.MethodGet, "/nope", "", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
