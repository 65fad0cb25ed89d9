// Package risk computes device fingerprints and heuristic risk scores for
// inbound requests. Everything here is pure: no I/O, no hidden clock.
package risk

import (
	"time"

	"security-gateway/internal/models"
	"security-gateway/internal/util"
)

const (
	FactorSuspiciousUserAgent = "suspicious_user_agent"
	FactorNewDevice           = "new_device"
	FactorUntrustedDevice     = "untrusted_device"
	FactorSuspiciousHour      = "suspicious_hour"
	FactorHighRequestVolume   = "high_request_volume"
	FactorProxyHeaders        = "proxy_headers"
)

type Weights struct {
	SuspiciousUserAgent int
	UnseenDevice        int
	UntrustedDevice     int
	SuspiciousHour      int
	HighVolume          int
	ProxyHeaders        int
}

func DefaultWeights() Weights {
	return Weights{
		SuspiciousUserAgent: 30,
		UnseenDevice:        20,
		UntrustedDevice:     15,
		SuspiciousHour:      10,
		HighVolume:          25,
		ProxyHeaders:        5,
	}
}

type Config struct {
	SuspiciousUserAgents []string
	// Inclusive hour band; Start > End wraps past midnight.
	SuspiciousHourStart int
	SuspiciousHourEnd   int
	Location            *time.Location
	// Fraction of the rate limit above which request volume counts as high.
	VolumeRatio float64
	Weights     Weights
}

func DefaultConfig() Config {
	return Config{
		SuspiciousUserAgents: []string{"bot", "crawler", "spider", "scraper"},
		SuspiciousHourStart:  2,
		SuspiciousHourEnd:    6,
		Location:             time.UTC,
		VolumeRatio:          0.8,
		Weights:              DefaultWeights(),
	}
}

// Request holds the request attributes the engine looks at.
type Request struct {
	UserAgent    string
	Timestamp    time.Time
	ProxyHeaders bool
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.VolumeRatio <= 0 {
		cfg.VolumeRatio = 0.8
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Score computes an additive risk score. device is nil for a fingerprint that
// has never been seen; recentRequests is the caller's count in the current
// rate window and rateLimit the ceiling that applies to it.
func (e *Engine) Score(req Request, device *models.DeviceRecord, recentRequests, rateLimit int) models.RiskAssessment {
	w := e.cfg.Weights
	var factors []models.RiskFactor
	add := func(name string, weight int) {
		factors = append(factors, models.RiskFactor{Name: name, Weight: weight})
	}

	if e.SuspiciousUserAgent(req.UserAgent) {
		add(FactorSuspiciousUserAgent, w.SuspiciousUserAgent)
	}
	switch {
	case device == nil:
		add(FactorNewDevice, w.UnseenDevice)
	case !device.Trusted:
		add(FactorUntrustedDevice, w.UntrustedDevice)
	}
	if e.SuspiciousHour(req.Timestamp) {
		add(FactorSuspiciousHour, w.SuspiciousHour)
	}
	if rateLimit > 0 && float64(recentRequests) > float64(rateLimit)*e.cfg.VolumeRatio {
		add(FactorHighRequestVolume, w.HighVolume)
	}
	if req.ProxyHeaders {
		add(FactorProxyHeaders, w.ProxyHeaders)
	}

	score := 0
	for _, f := range factors {
		score += f.Weight
	}
	score = Clamp(score)

	return models.RiskAssessment{
		Score:   score,
		Level:   models.LevelForScore(score),
		Factors: factors,
	}
}

func (e *Engine) SuspiciousUserAgent(userAgent string) bool {
	return util.ContainsAnyFold(userAgent, e.cfg.SuspiciousUserAgents)
}

func (e *Engine) SuspiciousHour(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	hour := ts.In(e.cfg.Location).Hour()
	start, end := e.cfg.SuspiciousHourStart, e.cfg.SuspiciousHourEnd
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

// Clamp bounds a score to [0,100].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
