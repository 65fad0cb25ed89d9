package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"security-gateway/internal/audit"
	"security-gateway/internal/client"
	"security-gateway/internal/device"
	"security-gateway/internal/models"
	"security-gateway/internal/notification"
	"security-gateway/internal/ratelimit"
	"security-gateway/internal/tenant"
	"security-gateway/internal/util"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnsupportedEvent = errors.New("event type cannot be reported by clients")
	ErrUnauthenticated  = errors.New("authentication required")
	ErrForbidden        = errors.New("caller may not report this event")
)

// Revoker marks a token id as revoked until ttl has passed.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
}

// reportable lists the events authentication flows may report; gateway
// generated events are never accepted from outside.
var reportable = map[models.EventType]bool{
	models.EventLoginSuccess:    true,
	models.EventLoginFailed:     true,
	models.EventLogout:          true,
	models.EventAccountLocked:   true,
	models.EventTokenCompromise: true,
}

// EventReport is an authentication event submitted by a login flow.
type EventReport struct {
	EventType models.EventType       `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	RiskScore int                    `json:"risk_score"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type Stats struct {
	RateLimit    ratelimit.Stats `json:"rate_limit"`
	Devices      device.Stats    `json:"devices"`
	AuditDropped uint64          `json:"audit_dropped"`
}

type droppedCounter interface {
	Dropped() uint64
}

// SecurityService backs the security dashboard and the event ingestion
// endpoint.
type SecurityService struct {
	limiter     *ratelimit.Limiter
	devices     *device.Tracker
	recorder    audit.Recorder
	notifier    *notification.Dispatcher
	guard       *tenant.Guard
	memberships tenant.MembershipSource
	revoker     Revoker
	revokeTTL   time.Duration
	sessions    *lru.Cache[string, *tenant.Session]
	sessionTTL  time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

type Deps struct {
	Limiter     *ratelimit.Limiter
	Devices     *device.Tracker
	Recorder    audit.Recorder
	Notifier    *notification.Dispatcher
	Guard       *tenant.Guard
	Memberships tenant.MembershipSource
	// Revoker is optional; without it compromised token ids are only audited.
	Revoker Revoker
	// RevokeTTL bounds a revocation, at least the longest token lifetime.
	RevokeTTL time.Duration
	Logger    *zap.Logger
}

func NewSecurityService(deps Deps) (*SecurityService, error) {
	sessions, err := lru.New[string, *tenant.Session](4096)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = util.Get()
	}
	revokeTTL := deps.RevokeTTL
	if revokeTTL <= 0 {
		revokeTTL = 24 * time.Hour
	}
	return &SecurityService{
		limiter:     deps.Limiter,
		devices:     deps.Devices,
		recorder:    deps.Recorder,
		notifier:    deps.Notifier,
		guard:       deps.Guard,
		memberships: deps.Memberships,
		revoker:     deps.Revoker,
		revokeTTL:   revokeTTL,
		sessions:    sessions,
		sessionTTL:  30 * time.Second,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (s *SecurityService) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	var err error
	if out.RateLimit, err = s.limiter.Stats(ctx); err != nil {
		return out, fmt.Errorf("failed to read rate limit stats: %w", err)
	}
	if out.Devices, err = s.devices.Stats(ctx); err != nil {
		return out, fmt.Errorf("failed to read device stats: %w", err)
	}
	if dc, ok := s.recorder.(droppedCounter); ok {
		out.AuditDropped = dc.Dropped()
	}
	return out, nil
}

// ClearCaches drops every rate window, manual block and device record.
func (s *SecurityService) ClearCaches(ctx context.Context) error {
	if err := s.limiter.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to clear rate limits: %w", err)
	}
	if err := s.devices.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear devices: %w", err)
	}
	s.logger.Warn("Security caches cleared")
	return nil
}

// BlockSource rejects every request from ip for the given duration
// (one hour when zero).
func (s *SecurityService) BlockSource(ctx context.Context, ip string, d time.Duration, by string) error {
	if ip == "" {
		return fmt.Errorf("%w: ip is required", ErrInvalidInput)
	}
	if d <= 0 {
		d = time.Hour
	}
	if err := s.limiter.Block(ctx, ip, d); err != nil {
		return err
	}
	s.logger.Warn("Source blocked",
		zap.String("ip", ip),
		zap.Duration("duration", d),
		zap.String("blocked_by", by))
	return nil
}

// ReportEvent records an authentication event on behalf of caller.
// Notifications follow from the audit pipeline. Only platform admins may
// report for another user or for a tenant they do not belong to. A
// TOKEN_COMPROMISE report carrying a "jti" detail revokes that token.
func (s *SecurityService) ReportEvent(ctx context.Context, caller *models.Principal, r EventReport, sourceAddress, userAgent string) error {
	if caller == nil || caller.ID == "" {
		return ErrUnauthenticated
	}
	if !r.EventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, r.EventType)
	}
	if !reportable[r.EventType] {
		return ErrUnsupportedEvent
	}
	if r.RiskScore < 0 || r.RiskScore > 100 {
		return fmt.Errorf("%w: risk_score must be within 0-100", ErrInvalidInput)
	}
	if r.UserID == "" {
		r.UserID = caller.ID
	}
	if caller.GlobalRole != models.RoleAdmin {
		if r.UserID != caller.ID {
			return fmt.Errorf("%w: user_id must be the caller", ErrForbidden)
		}
		if r.TenantID != "" {
			if err := tenant.Enrich(ctx, s.memberships, caller); err != nil {
				s.logger.Warn("Failed to load tenant memberships", zap.Error(err))
			}
			if _, ok := caller.TenantRole(r.TenantID); !ok {
				return fmt.Errorf("%w: not a member of tenant %s", ErrForbidden, r.TenantID)
			}
		}
	}

	s.recorder.Record(ctx, audit.Entry{
		Type:          r.EventType,
		Details:       util.SanitizeDetails(r.Details),
		RiskScore:     r.RiskScore,
		SourceAddress: sourceAddress,
		UserAgent:     userAgent,
		ActorID:       r.UserID,
		TenantID:      r.TenantID,
	})

	if r.EventType == models.EventTokenCompromise {
		return s.revoke(ctx, r, caller)
	}
	return nil
}

func (s *SecurityService) revoke(ctx context.Context, r EventReport, caller *models.Principal) error {
	jti, _ := r.Details["jti"].(string)
	if jti == "" {
		return nil
	}
	if s.revoker == nil {
		s.logger.Warn("Token revocation unavailable, compromise only audited",
			zap.String("user_id", r.UserID))
		return nil
	}
	if err := s.revoker.Revoke(ctx, jti, s.revokeTTL); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	s.logger.Warn("Token revoked",
		zap.String("user_id", r.UserID),
		zap.String("revoked_by", caller.ID),
		zap.Duration("ttl", s.revokeTTL))
	return nil
}

// Authorize runs the tenant access check for p and audits denials.
func (s *SecurityService) Authorize(ctx context.Context, p *models.Principal, tenantID string, required models.Role, requireTenant bool, sourceAddress, userAgent string) tenant.Decision {
	if err := tenant.Enrich(ctx, s.memberships, p); err != nil {
		s.logger.Warn("Failed to load tenant memberships", zap.Error(err))
	}

	d := tenant.CheckAccess(p, tenantID, required, requireTenant)
	if !d.Allowed && d.Code != tenant.CodeAuthenticationRequired {
		s.recorder.Record(ctx, audit.Entry{
			Type:          models.EventTenantAccessDenied,
			RiskScore:     40,
			SourceAddress: sourceAddress,
			UserAgent:     userAgent,
			ActorID:       p.ID,
			TenantID:      tenantID,
			Details: map[string]interface{}{
				"reason":        d.Reason,
				"code":          d.Code,
				"required_role": string(required),
				"resolved_role": string(d.Role),
			},
		})
	}
	return d
}

func (s *SecurityService) session(p *models.Principal, tenantID string) *tenant.Session {
	sess, ok := s.sessions.Get(p.ID)
	if !ok {
		sess = tenant.NewSession(64, s.sessionTTL)
		s.sessions.Add(p.ID, sess)
	}
	if sess.SwitchTenant(tenantID) {
		s.logger.Debug("Tenant switched, session cache purged",
			zap.String("user_id", p.ID),
			zap.String("tenant_id", tenantID))
	}
	return sess
}

// ListNotifications returns unacknowledged notifications. With a tenant the
// query runs tenant scoped; without one (platform admins only) it lists all.
func (s *SecurityService) ListNotifications(ctx context.Context, p *models.Principal, tenantID string, limit int) ([]models.SecurityNotification, error) {
	sess := s.session(p, tenantID)
	key := strconv.Itoa(limit)
	if cached, ok := sess.Get("notifications", key); ok {
		return cached.([]models.SecurityNotification), nil
	}

	var (
		list []models.SecurityNotification
		err  error
	)
	if tenantID == "" {
		list, err = s.notifier.ListUnacknowledged(ctx, "", limit)
	} else {
		list, err = tenant.Query(ctx, s.guard, tenantID, func(ctx context.Context, q client.Querier, tenantID string) ([]models.SecurityNotification, error) {
			return s.notifier.Store().Scoped(q).ListUnacknowledged(ctx, tenantID, normalizeLimit(limit))
		})
	}
	if err != nil {
		return nil, err
	}
	sess.Put(list, "notifications", key)
	return list, nil
}

// AcknowledgeNotification marks a notification acknowledged by p.
func (s *SecurityService) AcknowledgeNotification(ctx context.Context, p *models.Principal, tenantID, id string) (*models.SecurityNotification, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", ErrInvalidInput)
	}
	defer s.session(p, tenantID).Invalidate()

	if tenantID == "" {
		return s.notifier.Acknowledge(ctx, id, p.ID)
	}
	rows, err := tenant.Query(ctx, s.guard, tenantID, func(ctx context.Context, q client.Querier, tenantID string) ([]models.SecurityNotification, error) {
		scoped := s.notifier.Store().Scoped(q)
		current, err := scoped.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		// ownership is proven before anything is written
		if err := tenant.VerifyRows(tenantID, []models.SecurityNotification{*current}); err != nil {
			return nil, err
		}
		n, err := scoped.Acknowledge(ctx, id, tenantID, p.ID, s.now().UTC())
		if err != nil {
			return nil, err
		}
		return []models.SecurityNotification{*n}, nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Committed(ctx, rows[0])
	return &rows[0], nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
