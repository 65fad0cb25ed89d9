package models

import "time"

type EventType string

const (
	EventLoginSuccess       EventType = "LOGIN_SUCCESS"
	EventLoginFailed        EventType = "LOGIN_FAILED"
	EventLogout             EventType = "LOGOUT"
	EventAccountLocked      EventType = "ACCOUNT_LOCKED"
	EventTokenCompromise    EventType = "TOKEN_COMPROMISE"
	EventRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventUnauthorizedAccess EventType = "UNAUTHORIZED_ACCESS_ATTEMPT"
	EventInvalidTokenAccess EventType = "INVALID_TOKEN_ACCESS"
	EventHighRiskRequest    EventType = "HIGH_RISK_REQUEST"
	EventMiddlewareError    EventType = "MIDDLEWARE_ERROR"
	EventAdminAccess        EventType = "ADMIN_ACCESS"
	EventTenantAccessDenied EventType = "TENANT_ACCESS_DENIED"
	EventSecurityViolation  EventType = "SECURITY_VIOLATION"
)

var knownEventTypes = map[EventType]bool{
	EventLoginSuccess: true, EventLoginFailed: true, EventLogout: true,
	EventAccountLocked: true, EventTokenCompromise: true, EventRateLimitExceeded: true,
	EventUnauthorizedAccess: true, EventInvalidTokenAccess: true, EventHighRiskRequest: true,
	EventMiddlewareError: true, EventAdminAccess: true, EventTenantAccessDenied: true,
	EventSecurityViolation: true,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return knownEventTypes[t]
}

// SecurityEvent is one append-only audit record.
type SecurityEvent struct {
	ID            string                 `json:"id" db:"id"`
	EventType     EventType              `json:"event_type" db:"event_type"`
	ActorID       string                 `json:"user_id,omitempty" db:"user_id"`
	TenantID      string                 `json:"tenant_id,omitempty" db:"tenant_id"`
	SourceAddress string                 `json:"ip_address" db:"ip_address"`
	UserAgent     string                 `json:"user_agent" db:"user_agent"`
	RiskScore     int                    `json:"risk_score" db:"risk_score"`
	Details       map[string]interface{} `json:"details" db:"details"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}
