package models

type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleTenantAdmin Role = "TENANT_ADMIN"
	RoleManager     Role = "MANAGER"
	RoleUser        Role = "USER"
	RoleViewer      Role = "VIEWER"
)

type TenantMembership struct {
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
	Active   bool   `json:"active"`
}

// Principal is the authenticated caller resolved from a validated token.
type Principal struct {
	ID          string             `json:"id"`
	Email       string             `json:"email"`
	GlobalRole  Role               `json:"role"`
	Memberships []TenantMembership `json:"tenants,omitempty"`
}

// TenantRole returns the caller's active role inside tenantID.
func (p *Principal) TenantRole(tenantID string) (Role, bool) {
	if p == nil || tenantID == "" {
		return "", false
	}
	for _, m := range p.Memberships {
		if m.TenantID == tenantID && m.Active {
			return m.Role, true
		}
	}
	return "", false
}
