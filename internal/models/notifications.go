package models

import "time"

type NotificationType string

const (
	NotifyHighRiskLogin          NotificationType = "HIGH_RISK_LOGIN"
	NotifyMultipleFailedAttempts NotificationType = "MULTIPLE_FAILED_ATTEMPTS"
	NotifyNewDeviceLogin         NotificationType = "NEW_DEVICE_LOGIN"
	NotifySuspiciousLocation     NotificationType = "SUSPICIOUS_LOCATION"
	NotifyAccountLocked          NotificationType = "ACCOUNT_LOCKED"
	NotifyTokenCompromise        NotificationType = "TOKEN_COMPROMISE"
	NotifyRateLimitExceeded      NotificationType = "RATE_LIMIT_EXCEEDED"
	NotifyAdminAccess            NotificationType = "ADMIN_ACCESS"
	NotifyDataBreachAttempt      NotificationType = "DATA_BREACH_ATTEMPT"
	NotifySystemAnomaly          NotificationType = "SYSTEM_ANOMALY"
)

// Severity shares the LOW..CRITICAL scale with RiskLevel.
type Severity = RiskLevel

type SecurityNotification struct {
	ID             string                 `json:"id" db:"id"`
	Type           NotificationType       `json:"type" db:"type"`
	Severity       Severity               `json:"severity" db:"severity"`
	Title          string                 `json:"title" db:"title"`
	Message        string                 `json:"message" db:"message"`
	Details        map[string]interface{} `json:"details" db:"details"`
	ActorID        string                 `json:"user_id,omitempty" db:"user_id"`
	TenantID       string                 `json:"tenant_id,omitempty" db:"tenant_id"`
	SourceAddress  string                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent      string                 `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	Acknowledged   bool                   `json:"acknowledged" db:"acknowledged"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
}

// GetTenantID lets notifications pass through tenant-scoped queries.
func (n SecurityNotification) GetTenantID() string {
	return n.TenantID
}
