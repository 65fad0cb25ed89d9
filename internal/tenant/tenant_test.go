package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"

	"security-gateway/internal/audit"
	"security-gateway/internal/client"
	"security-gateway/internal/models"
)

func TestGlobalAdminWithoutMembership(t *testing.T) {
	p := &models.Principal{ID: "u1", GlobalRole: models.RoleAdmin}
	d := CheckAccess(p, "", models.RoleAdmin, false)
	if !d.Allowed {
		t.Fatalf("expected platform admin to be allowed, got %+v", d)
	}
	if d.Role != models.RoleAdmin {
		t.Fatalf("expected resolved role ADMIN, got %s", d.Role)
	}

	// platform admins may enter any tenant
	if d := CheckAccess(p, "tenant-9", models.RoleTenantAdmin, true); !d.Allowed {
		t.Fatalf("expected admin to enter tenant, got %+v", d)
	}
}

func TestTenantViewerCannotActAsAdmin(t *testing.T) {
	p := &models.Principal{
		ID:          "u2",
		GlobalRole:  models.RoleUser,
		Memberships: []models.TenantMembership{{TenantID: "t1", Role: models.RoleViewer, Active: true}},
	}
	d := CheckAccess(p, "t1", models.RoleAdmin, true)
	if d.Allowed {
		t.Fatal("expected viewer to be denied")
	}
	if d.Reason == "" || d.Code != CodeInsufficientPermissions {
		t.Fatalf("expected populated reason and code, got %+v", d)
	}
	if d.Role != models.RoleViewer || d.TenantID != "t1" {
		t.Fatalf("unexpected resolution %+v", d)
	}
	if !errors.Is(d.Err(), ErrTenantAccessDenied) {
		t.Fatalf("expected ErrTenantAccessDenied, got %v", d.Err())
	}
}

func TestCheckAccessDenials(t *testing.T) {
	member := &models.Principal{
		ID:         "u3",
		GlobalRole: models.RoleUser,
		Memberships: []models.TenantMembership{
			{TenantID: "t1", Role: models.RoleManager, Active: true},
			{TenantID: "t2", Role: models.RoleTenantAdmin, Active: false},
		},
	}
	cases := []struct {
		name     string
		p        *models.Principal
		tenant   string
		required models.Role
		require  bool
		allowed  bool
		code     string
	}{
		{"anonymous", nil, "t1", "", false, false, CodeAuthenticationRequired},
		{"no tenant selected", member, "", "", true, false, CodeTenantRequired},
		{"not a member", member, "t5", "", true, false, CodeTenantAccessDenied},
		{"inactive membership", member, "t2", "", true, false, CodeTenantAccessDenied},
		{"member without role requirement", member, "t1", "", true, true, ""},
		{"manager satisfies user", member, "t1", models.RoleUser, true, true, ""},
		{"manager lacks tenant admin", member, "t1", models.RoleTenantAdmin, true, false, CodeInsufficientPermissions},
		{"global role outside tenant", member, "", models.RoleUser, false, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := CheckAccess(tc.p, tc.tenant, tc.required, tc.require)
			if d.Allowed != tc.allowed || d.Code != tc.code {
				t.Fatalf("expected allowed=%v code=%q, got %+v", tc.allowed, tc.code, d)
			}
			if !d.Allowed && d.Reason == "" {
				t.Fatal("denials must carry a reason")
			}
		})
	}
}

func TestResolveRolePriority(t *testing.T) {
	p := &models.Principal{
		ID:          "u4",
		GlobalRole:  models.RoleUser,
		Memberships: []models.TenantMembership{{TenantID: "t1", Role: models.RoleTenantAdmin, Active: true}},
	}
	if got := ResolveRole(p, "t1"); got != models.RoleTenantAdmin {
		t.Fatalf("expected tenant role, got %s", got)
	}
	if got := ResolveRole(p, "t2"); got != models.RoleUser {
		t.Fatalf("expected global role fallback, got %s", got)
	}
	p.GlobalRole = models.RoleAdmin
	if got := ResolveRole(p, "t1"); got != models.RoleAdmin {
		t.Fatalf("expected platform admin to win, got %s", got)
	}
}

type row struct {
	ID       string
	TenantID string
}

func (r row) GetTenantID() string { return r.TenantID }

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureRecorder) Record(_ context.Context, e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

type scopeRecorder struct {
	tenants []string
}

func (s *scopeRecorder) WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, q client.Querier) error) error {
	s.tenants = append(s.tenants, tenantID)
	return fn(ctx, nil)
}

func TestQueryRejectsForeignRows(t *testing.T) {
	rec := &captureRecorder{}
	runner := &scopeRecorder{}
	g := NewGuard(runner, rec)

	rows, err := Query(context.Background(), g, "t1", func(ctx context.Context, q client.Querier, tenantID string) ([]row, error) {
		return []row{{ID: "a", TenantID: tenantID}, {ID: "b", TenantID: "t2"}}, nil
	})
	if !IsViolation(err) {
		t.Fatalf("expected security violation, got %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected zero rows, got %d", len(rows))
	}
	var v *SecurityViolationError
	if !errors.As(err, &v) || v.Mismatched != 1 || v.Total != 2 {
		t.Fatalf("unexpected violation detail %+v", v)
	}
	if len(rec.entries) != 1 || rec.entries[0].Type != models.EventSecurityViolation {
		t.Fatalf("expected one SECURITY_VIOLATION audit entry, got %+v", rec.entries)
	}
	if len(runner.tenants) != 1 || runner.tenants[0] != "t1" {
		t.Fatalf("expected session scoped to t1, got %v", runner.tenants)
	}
}

func TestQueryReturnsOwnRows(t *testing.T) {
	g := NewGuard(DirectRunner{}, nil)
	rows, err := Query(context.Background(), g, "t1", func(ctx context.Context, q client.Querier, tenantID string) ([]row, error) {
		return []row{{ID: "a", TenantID: tenantID}}, nil
	})
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected own rows, got %v %v", rows, err)
	}

	_, err = Query(context.Background(), g, "", func(ctx context.Context, q client.Querier, tenantID string) ([]row, error) {
		t.Fatal("query must not run without a tenant")
		return nil, nil
	})
	if !errors.Is(err, ErrTenantAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestQueryPropagatesDatastoreErrors(t *testing.T) {
	g := NewGuard(DirectRunner{}, nil)
	boom := errors.New("connection reset")
	_, err := Query(context.Background(), g, "t1", func(ctx context.Context, q client.Querier, tenantID string) ([]row, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) || IsViolation(err) {
		t.Fatalf("expected datastore error, got %v", err)
	}
}

func TestSessionSwitchPurgesCache(t *testing.T) {
	s := NewSession(16, 0)
	s.SwitchTenant("t1")
	s.Put([]string{"n1"}, "notifications", "50")

	if _, ok := s.Get("notifications", "50"); !ok {
		t.Fatal("expected cached entry for t1")
	}
	if s.SwitchTenant("t1") {
		t.Fatal("re-selecting the same tenant must not purge")
	}
	if s.Len() != 1 {
		t.Fatalf("expected cache to survive, got %d", s.Len())
	}

	if !s.SwitchTenant("t2") {
		t.Fatal("expected tenant change")
	}
	if _, ok := s.Get("notifications", "50"); ok {
		t.Fatal("expected no cross-tenant cache hit")
	}
	if s.Len() != 0 {
		t.Fatalf("expected purged cache, got %d", s.Len())
	}
	if CacheKey("t2", "notifications", "50") != "tenant:t2:notifications:50" {
		t.Fatalf("unexpected key %q", CacheKey("t2", "notifications", "50"))
	}
}

type staticMemberships []models.TenantMembership

func (s staticMemberships) Memberships(context.Context, string) ([]models.TenantMembership, error) {
	return s, nil
}

func TestEnrichFillsMissingMemberships(t *testing.T) {
	p := &models.Principal{ID: "u5", GlobalRole: models.RoleUser}
	src := staticMemberships{{TenantID: "t1", Role: models.RoleManager, Active: true}}
	if err := Enrich(context.Background(), src, p); err != nil {
		t.Fatal(err)
	}
	if role, ok := p.TenantRole("t1"); !ok || role != models.RoleManager {
		t.Fatalf("expected membership loaded, got %v", p.Memberships)
	}
}
