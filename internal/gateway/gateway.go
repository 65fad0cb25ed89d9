// Package gateway classifies every inbound request: rate limiting, risk
// scoring, protected path authentication and device bookkeeping, with audit
// events for everything suspicious.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"security-gateway/internal/audit"
	"security-gateway/internal/device"
	"security-gateway/internal/geo"
	"security-gateway/internal/metrics"
	"security-gateway/internal/models"
	"security-gateway/internal/ratelimit"
	"security-gateway/internal/risk"
	"security-gateway/internal/token"
	"security-gateway/internal/util"
)

const (
	HeaderUserID      = "X-Gateway-User-ID"
	HeaderUserEmail   = "X-Gateway-User-Email"
	HeaderMFARequired = "X-Gateway-MFA-Required"
	HeaderCountry     = "X-Gateway-Country"

	HeaderRiskScore      = "X-Risk-Score"
	HeaderRiskLevel      = "X-Risk-Level"
	HeaderProcessingTime = "X-Processing-Time"
)

// RequestContext is everything the gateway looks at for one request.
type RequestContext struct {
	SourceAddress string
	UserAgent     string
	Path          string
	Method        string
	Token         string
	ProxyHeaders  bool
	Timestamp     time.Time
}

// Decision is either Allow (with headers to attach) or Deny (status, body
// and headers). Principal is set after a successful protected path check.
type Decision struct {
	Allow      bool
	Status     int
	Body       map[string]string
	Headers    http.Header
	Principal  *models.Principal
	Assessment models.RiskAssessment
	Profile    string
	// Bypassed marks static paths that skipped every check.
	Bypassed bool
	// Faulted marks decisions produced by the failure policy.
	Faulted bool
}

type TokenValidator interface {
	Validate(ctx context.Context, token string) token.Result
}

// Profile is one set of constant inputs to the state machine.
type Profile struct {
	Name                 string
	MaxRequestsPerMinute int
	RequireMFA           bool
	GeoCheck             bool
}

type Config struct {
	Default Profile
	API     Profile
	Admin   Profile

	StaticPrefixes    []string
	ProtectedPrefixes []string
	AdminPrefixes     []string
	APIPrefixes       []string

	// TrustedProxies are the peers allowed to name the client through
	// forwarding headers. Empty means the transport address is always used.
	TrustedProxies util.TrustedProxies

	// FailOpen lets requests through when the gateway itself fails. When
	// false such requests get 503.
	FailOpen bool
	// Debug adds risk diagnostics headers. Never enable in production.
	Debug bool
}

func DefaultConfig() Config {
	return Config{
		Default:           Profile{Name: "default", MaxRequestsPerMinute: 60},
		API:               Profile{Name: "api", MaxRequestsPerMinute: 120, RequireMFA: true},
		Admin:             Profile{Name: "admin", MaxRequestsPerMinute: 30, RequireMFA: true, GeoCheck: true},
		StaticPrefixes:    []string{"/_next/static", "/_next/image", "/static/", "/assets/", "/favicon.ico", "/health", "/metrics"},
		ProtectedPrefixes: []string{"/admin", "/api/admin", "/dashboard"},
		AdminPrefixes:     []string{"/admin", "/api/admin"},
		APIPrefixes:       []string{"/api/"},
		FailOpen:          true,
	}
}

type Gateway struct {
	cfg     Config
	engine  *risk.Engine
	limiter *ratelimit.Limiter
	devices *device.Tracker
	tokens  TokenValidator
	audit   audit.Recorder
	geo     geo.Locator
	now     func() time.Time
}

type Deps struct {
	Engine  *risk.Engine
	Limiter *ratelimit.Limiter
	Devices *device.Tracker
	Tokens  TokenValidator
	Audit   audit.Recorder
	Geo     geo.Locator
	Now     func() time.Time
}

func New(cfg Config, deps Deps) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		engine:  deps.Engine,
		limiter: deps.Limiter,
		devices: deps.Devices,
		tokens:  deps.Tokens,
		audit:   deps.Audit,
		geo:     deps.Geo,
		now:     deps.Now,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.geo == nil {
		g.geo = geo.Unknown{}
	}
	if g.engine == nil {
		g.engine = risk.NewEngine(risk.DefaultConfig())
	}
	return g
}

// hasPrefix matches whole path segments: "/admin" covers "/admin" and
// "/admin/users" but not "/administrator". A prefix ending in "/" matches
// anything below it.
func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p == "" || !strings.HasPrefix(path, p) {
			continue
		}
		if len(path) == len(p) || strings.HasSuffix(p, "/") || path[len(p)] == '/' {
			return true
		}
	}
	return false
}

// ProfileFor picks the admin profile first, then the API profile.
func (g *Gateway) ProfileFor(path string) Profile {
	switch {
	case hasPrefix(path, g.cfg.AdminPrefixes):
		return g.cfg.Admin
	case hasPrefix(path, g.cfg.APIPrefixes):
		return g.cfg.API
	default:
		return g.cfg.Default
	}
}

// SecurityHeaders returns the hardening headers attached to every response
// that reaches the gateway.
func SecurityHeaders() http.Header {
	h := http.Header{}
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
	return h
}

// Evaluate runs the state machine for one request. It never panics: internal
// faults are converted by the failure policy.
func (g *Gateway) Evaluate(ctx context.Context, rc RequestContext) (d Decision) {
	if hasPrefix(rc.Path, g.cfg.StaticPrefixes) {
		metrics.GatewayDecisions.WithLabelValues("bypass").Inc()
		return Decision{Allow: true, Bypassed: true, Headers: http.Header{}}
	}

	start := g.now()
	if rc.Timestamp.IsZero() {
		rc.Timestamp = start
	}
	if rc.UserAgent == "" {
		rc.UserAgent = "Unknown"
	}
	profile := g.ProfileFor(rc.Path)
	headers := SecurityHeaders()

	defer func() {
		if r := recover(); r != nil {
			d = g.fault(ctx, rc, profile, headers, fmt.Errorf("panic: %v", r))
		}
		metrics.GatewayLatency.Observe(time.Since(start).Seconds())
		metrics.GatewayDecisions.WithLabelValues(outcome(d)).Inc()
	}()

	d, err := g.evaluate(ctx, rc, profile, headers)
	if err != nil {
		return g.fault(ctx, rc, profile, headers, err)
	}
	if g.cfg.Debug {
		d.Headers.Set(HeaderRiskScore, strconv.Itoa(d.Assessment.Score))
		d.Headers.Set(HeaderRiskLevel, string(d.Assessment.Level))
		d.Headers.Set(HeaderProcessingTime, fmt.Sprintf("%dms", g.now().Sub(start).Milliseconds()))
	}
	return d
}

func (g *Gateway) evaluate(ctx context.Context, rc RequestContext, profile Profile, headers http.Header) (Decision, error) {
	d := Decision{Headers: headers, Profile: profile.Name}
	src := rc.SourceAddress

	rate, err := g.limiter.Allow(ctx, src, profile.MaxRequestsPerMinute)
	if err != nil {
		return d, fmt.Errorf("rate check: %w", err)
	}
	if !rate.Allowed {
		g.record(ctx, rc, profile, models.EventRateLimitExceeded, 80, "", map[string]interface{}{
			"request_count": rate.Count,
			"limit":         rate.Limit,
			"time_window":   g.limiter.Window().String(),
			"blocked":       rate.Blocked,
		})
		headers.Set("Retry-After", strconv.Itoa(int(rate.RetryAfter.Seconds())))
		return deny(d, http.StatusTooManyRequests, "Rate limit exceeded"), nil
	}

	fingerprint := risk.Fingerprint(rc.UserAgent, src)
	known, err := g.devices.Lookup(ctx, fingerprint)
	if err != nil {
		return d, fmt.Errorf("device lookup: %w", err)
	}
	assessment := g.engine.Score(risk.Request{
		UserAgent:    rc.UserAgent,
		Timestamp:    rc.Timestamp,
		ProxyHeaders: rc.ProxyHeaders,
	}, known, rate.Count, profile.MaxRequestsPerMinute)
	d.Assessment = assessment
	metrics.RiskScoreHistogram.Observe(float64(assessment.Score))

	if hasPrefix(rc.Path, g.cfg.ProtectedPrefixes) {
		if rc.Token == "" {
			g.record(ctx, rc, profile, models.EventUnauthorizedAccess, assessment.Score+20, "", map[string]interface{}{
				"reason": "No token provided",
			})
			return deny(d, http.StatusUnauthorized, "Authentication required"), nil
		}

		res := g.tokens.Validate(ctx, rc.Token)
		if !res.Valid {
			g.record(ctx, rc, profile, models.EventInvalidTokenAccess, assessment.Score+30, "", map[string]interface{}{
				"error": res.Reason,
			})
			return deny(d, http.StatusUnauthorized, "Invalid token"), nil
		}

		d.Principal = res.Principal
		headers.Set(HeaderUserID, res.Principal.ID)
		headers.Set(HeaderUserEmail, res.Principal.Email)
		if profile.RequireMFA {
			headers.Set(HeaderMFARequired, "true")
		}
		if hasPrefix(rc.Path, g.cfg.AdminPrefixes) {
			g.record(ctx, rc, profile, models.EventAdminAccess, assessment.Score, res.Principal.ID, map[string]interface{}{
				"is_admin_access": true,
				"user_role":       string(res.Principal.GlobalRole),
			})
		}
	}

	if _, err := g.devices.Touch(ctx, fingerprint); err != nil {
		return d, fmt.Errorf("device touch: %w", err)
	}

	if assessment.Level == models.RiskHigh || assessment.Level == models.RiskCritical {
		actor := ""
		if d.Principal != nil {
			actor = d.Principal.ID
		}
		g.record(ctx, rc, profile, models.EventHighRiskRequest, assessment.Score, actor, map[string]interface{}{
			"risk_level": string(assessment.Level),
			"factors":    assessment.FactorMap(),
		})
	}

	if profile.GeoCheck {
		if country := g.geo.Country(src); country != "" {
			headers.Set(HeaderCountry, country)
		}
	}

	d.Allow = true
	return d, nil
}

func deny(d Decision, status int, msg string) Decision {
	d.Allow = false
	d.Status = status
	d.Body = map[string]string{"error": msg}
	d.Headers.Set("Content-Type", "application/json")
	return d
}

// fault applies the failure policy and makes the fault visible in logs,
// metrics and the audit trail.
func (g *Gateway) fault(ctx context.Context, rc RequestContext, profile Profile, headers http.Header, err error) Decision {
	util.Error("Security gateway fault",
		zap.String("path", rc.Path),
		zap.String("method", rc.Method),
		zap.String("ip", rc.SourceAddress),
		zap.Bool("fail_open", g.cfg.FailOpen),
		zap.Error(err))

	g.record(ctx, rc, profile, models.EventMiddlewareError, 50, "", map[string]interface{}{
		"error": err.Error(),
	})

	d := Decision{Headers: headers, Profile: profile.Name, Faulted: true}
	if g.cfg.FailOpen {
		metrics.GatewayFailOpen.Inc()
		d.Allow = true
		return d
	}
	metrics.GatewayFailClosed.Inc()
	return deny(d, http.StatusServiceUnavailable, "Security check unavailable")
}

func (g *Gateway) record(ctx context.Context, rc RequestContext, profile Profile, typ models.EventType, score int, actor string, details map[string]interface{}) {
	if g.audit == nil {
		return
	}
	details["path"] = rc.Path
	details["method"] = rc.Method
	details["ip"] = rc.SourceAddress
	details["profile"] = profile.Name
	if profile.GeoCheck {
		if country := g.geo.Country(rc.SourceAddress); country != "" {
			details["location"] = country
		}
	}
	g.audit.Record(ctx, audit.Entry{
		Type:          typ,
		Details:       details,
		RiskScore:     score,
		SourceAddress: rc.SourceAddress,
		UserAgent:     rc.UserAgent,
		ActorID:       actor,
	})
}

func outcome(d Decision) string {
	switch {
	case d.Faulted && d.Allow:
		return "fail_open"
	case d.Faulted:
		return "fail_closed"
	case d.Allow:
		return "allow"
	case d.Status == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "unauthorized"
	}
}
