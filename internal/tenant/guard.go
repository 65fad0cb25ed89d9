// Package tenant decides whether a caller may act inside a tenant and runs
// data operations so that no row from another tenant reaches the caller.
package tenant

import (
	"errors"
	"fmt"

	"security-gateway/internal/models"
)

var (
	ErrTenantAccessDenied = errors.New("tenant access denied")
	ErrSecurityViolation  = errors.New("security violation")
)

const (
	CodeAuthenticationRequired  = "authentication_required"
	CodeTenantRequired          = "tenant_required"
	CodeTenantAccessDenied      = "tenant_access_denied"
	CodeInsufficientPermissions = "insufficient_permissions"
)

// Decision is the outcome of CheckAccess.
type Decision struct {
	Allowed  bool        `json:"allowed"`
	Reason   string      `json:"reason,omitempty"`
	Code     string      `json:"code,omitempty"`
	TenantID string      `json:"tenant_id,omitempty"`
	Role     models.Role `json:"role,omitempty"`
}

// Err returns nil for allowed decisions and an *AccessError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &AccessError{Code: d.Code, Reason: d.Reason}
}

type AccessError struct {
	Code   string
	Reason string
}

func (e *AccessError) Error() string { return e.Reason }

func (e *AccessError) Unwrap() error { return ErrTenantAccessDenied }

// SecurityViolationError reports rows returned for a tenant other than the
// one the operation was scoped to.
type SecurityViolationError struct {
	TenantID   string
	Mismatched int
	Total      int
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation: %d of %d rows do not belong to tenant %s", e.Mismatched, e.Total, e.TenantID)
}

func (e *SecurityViolationError) Is(target error) bool { return target == ErrSecurityViolation }

var roleRank = map[models.Role]int{
	models.RoleViewer:      1,
	models.RoleUser:        2,
	models.RoleManager:     3,
	models.RoleTenantAdmin: 4,
	models.RoleAdmin:       5,
}

// Satisfies reports whether role grants at least required.
func Satisfies(role, required models.Role) bool {
	if required == "" {
		return true
	}
	have, ok := roleRank[role]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// ResolveRole picks the single role that applies to p inside tenantID. The
// platform ADMIN role wins over any tenant role; otherwise an active
// membership in tenantID wins over the global role.
func ResolveRole(p *models.Principal, tenantID string) models.Role {
	if p == nil {
		return ""
	}
	if p.GlobalRole == models.RoleAdmin {
		return models.RoleAdmin
	}
	if role, ok := p.TenantRole(tenantID); ok {
		return role
	}
	return p.GlobalRole
}

// CheckAccess decides whether p may proceed inside activeTenant.
func CheckAccess(p *models.Principal, activeTenant string, requiredRole models.Role, requireTenant bool) Decision {
	if p == nil || p.ID == "" {
		return Decision{Code: CodeAuthenticationRequired, Reason: "Authentication is required"}
	}

	role := ResolveRole(p, activeTenant)
	d := Decision{TenantID: activeTenant, Role: role}

	if requireTenant {
		if activeTenant == "" {
			d.Code = CodeTenantRequired
			d.Reason = "No active tenant selected"
			return d
		}
		if _, member := p.TenantRole(activeTenant); !member && p.GlobalRole != models.RoleAdmin {
			d.Code = CodeTenantAccessDenied
			d.Reason = fmt.Sprintf("User is not an active member of tenant %s", activeTenant)
			return d
		}
	}

	if !Satisfies(role, requiredRole) {
		d.Code = CodeInsufficientPermissions
		d.Reason = fmt.Sprintf("Role %s is required, current role is %s", requiredRole, displayRole(role))
		return d
	}

	d.Allowed = true
	return d
}

func displayRole(r models.Role) string {
	if r == "" {
		return "none"
	}
	return string(r)
}
