package notification

import (
	"context"
	"fmt"
	"time"

	"security-gateway/internal/models"
	"security-gateway/internal/risk"
)

type Rules struct {
	FailedLoginThreshold   int
	FailedLoginWindow      time.Duration
	HighRiskScoreThreshold int
	NewDeviceAlert         bool
	NewDeviceWindow        time.Duration
	AdminAccessAlert       bool
	RateLimitAlert         bool
	// Delivery dedup: at most MaxPerWindow notifications per (type, source)
	// in each fixed Window.
	MaxPerWindow int
	Window       time.Duration
}

func DefaultRules() Rules {
	return Rules{
		FailedLoginThreshold:   5,
		FailedLoginWindow:      15 * time.Minute,
		HighRiskScoreThreshold: 70,
		NewDeviceAlert:         true,
		NewDeviceWindow:        30 * 24 * time.Hour,
		AdminAccessAlert:       true,
		RateLimitAlert:         true,
		MaxPerWindow:           3,
		Window:                 15 * time.Minute,
	}
}

// Input is a classified security event as seen by the dispatcher.
type Input struct {
	EventType     models.EventType
	Details       map[string]interface{}
	RiskScore     int
	ActorID       string
	TenantID      string
	SourceAddress string
	UserAgent     string
	OccurredAt    time.Time
}

func InputFromEvent(e models.SecurityEvent) Input {
	return Input{
		EventType:     e.EventType,
		Details:       e.Details,
		RiskScore:     e.RiskScore,
		ActorID:       e.ActorID,
		TenantID:      e.TenantID,
		SourceAddress: e.SourceAddress,
		UserAgent:     e.UserAgent,
		OccurredAt:    e.CreatedAt,
	}
}

func (in Input) detail(key string) interface{} {
	if in.Details == nil {
		return nil
	}
	return in.Details[key]
}

func (in Input) flag(key string) bool {
	b, _ := in.detail(key).(bool)
	return b
}

func (d *Dispatcher) build(in Input, typ models.NotificationType, sev models.Severity, title, msg string, details map[string]interface{}) models.SecurityNotification {
	return models.SecurityNotification{
		Type:          typ,
		Severity:      sev,
		Title:         title,
		Message:       msg,
		Details:       details,
		ActorID:       in.ActorID,
		TenantID:      in.TenantID,
		SourceAddress: in.SourceAddress,
		UserAgent:     in.UserAgent,
	}
}

// classify applies the rule set to one event.
func (d *Dispatcher) classify(ctx context.Context, in Input) ([]models.SecurityNotification, error) {
	var out []models.SecurityNotification
	r := d.rules
	level := models.LevelForScore(in.RiskScore)

	switch in.EventType {
	case models.EventLoginSuccess:
		if in.RiskScore >= r.HighRiskScoreThreshold {
			out = append(out, d.build(in, models.NotifyHighRiskLogin, level,
				"High risk login detected",
				fmt.Sprintf("Login completed with risk score %d/100", in.RiskScore),
				map[string]interface{}{
					"event_type": in.EventType,
					"risk_score": in.RiskScore,
					"risk_level": level,
					"factors":    in.detail("risk_factors"),
					"location":   in.detail("location"),
				}))
		}
		if r.NewDeviceAlert && in.ActorID != "" && in.UserAgent != "" {
			isNew, err := d.firstSightingForActor(ctx, in)
			if err != nil {
				return out, err
			}
			if isNew {
				out = append(out, d.build(in, models.NotifyNewDeviceLogin, models.RiskMedium,
					"Login from a new device",
					"Login completed from an unrecognised device",
					map[string]interface{}{
						"user_agent": in.UserAgent,
						"ip":         in.SourceAddress,
						"location":   in.detail("location"),
					}))
			}
		}

	case models.EventLoginFailed:
		failures, err := d.recentFailures(ctx, in)
		if err != nil {
			return out, err
		}
		if failures >= r.FailedLoginThreshold {
			out = append(out, d.build(in, models.NotifyMultipleFailedAttempts, models.RiskHigh,
				"Multiple failed login attempts",
				fmt.Sprintf("%d failed attempts detected", failures),
				map[string]interface{}{
					"failed_attempts": failures,
					"threshold":       r.FailedLoginThreshold,
					"time_window":     r.FailedLoginWindow.String(),
				}))
		}

	case models.EventRateLimitExceeded:
		if r.RateLimitAlert {
			out = append(out, d.build(in, models.NotifyRateLimitExceeded, models.RiskMedium,
				"Rate limit exceeded",
				"Source exceeded the allowed request rate",
				map[string]interface{}{
					"request_count": in.detail("request_count"),
					"time_window":   in.detail("time_window"),
					"limit":         in.detail("limit"),
				}))
		}

	case models.EventAccountLocked:
		out = append(out, d.build(in, models.NotifyAccountLocked, models.RiskHigh,
			"Account locked",
			"An account was locked after repeated failures",
			in.Details))

	case models.EventTokenCompromise:
		out = append(out, d.build(in, models.NotifyTokenCompromise, models.RiskCritical,
			"Token compromise suspected",
			"A session token was reported as compromised",
			in.Details))

	case models.EventSecurityViolation:
		out = append(out, d.build(in, models.NotifyDataBreachAttempt, models.RiskCritical,
			"Cross-tenant data access blocked",
			"A tenant scoped query returned rows belonging to another tenant",
			in.Details))

	case models.EventMiddlewareError:
		out = append(out, d.build(in, models.NotifySystemAnomaly, models.RiskMedium,
			"Security gateway fault",
			"The security gateway failed while evaluating a request",
			in.Details))
	}

	if r.AdminAccessAlert && (in.EventType == models.EventAdminAccess || in.flag("is_admin_access")) {
		out = append(out, d.build(in, models.NotifyAdminAccess, models.RiskHigh,
			"Administrative access detected",
			"A user accessed an administrative area",
			map[string]interface{}{
				"admin_path": in.detail("path"),
				"user_role":  in.detail("user_role"),
			}))
	}

	return out, nil
}

// recentFailures counts failed logins in the sliding window for the source
// and for the actor, returning the larger.
func (d *Dispatcher) recentFailures(ctx context.Context, in Input) (int, error) {
	at := d.at(in)
	highest := 0
	for _, key := range []string{keyed("ip", in.SourceAddress), keyed("user", in.ActorID)} {
		if key == "" {
			continue
		}
		n, err := d.attempts.Record(ctx, string(models.EventLoginFailed)+":"+key, at, d.rules.FailedLoginWindow)
		if err != nil {
			return 0, fmt.Errorf("failed to record login failure: %w", err)
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

// firstSightingForActor reports whether the actor has not logged in from this
// fingerprint within NewDeviceWindow, and remembers the sighting.
func (d *Dispatcher) firstSightingForActor(ctx context.Context, in Input) (bool, error) {
	key := "seen_login:" + in.ActorID + ":" + risk.Fingerprint(in.UserAgent, in.SourceAddress)
	seen, err := d.counter.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check device history: %w", err)
	}
	if err := d.counter.Set(ctx, key, 1, d.rules.NewDeviceWindow); err != nil {
		return false, fmt.Errorf("failed to remember device: %w", err)
	}
	return seen == 0, nil
}

func keyed(kind, value string) string {
	if value == "" {
		return ""
	}
	return kind + ":" + value
}
