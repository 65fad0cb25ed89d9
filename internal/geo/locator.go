// Package geo resolves source addresses to ISO country codes.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"security-gateway/internal/util"
)

// Locator returns the ISO country code for an address, or "" when unknown.
type Locator interface {
	Country(ip string) string
}

type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
}

// GeoIP looks addresses up in a MaxMind country database.
type GeoIP struct {
	reader countryReader
	closer func() error
}

// Open loads the database at path. An empty path yields a locator that knows
// nothing.
func Open(path string) (Locator, error) {
	if path == "" {
		return Unknown{}, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	util.Info("GeoIP database loaded", zap.String("path", path))
	return &GeoIP{reader: reader, closer: reader.Close}, nil
}

func (g *GeoIP) Country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() {
		return ""
	}
	rec, err := g.reader.Country(parsed)
	if err != nil {
		util.Debug("GeoIP lookup failed", zap.String("ip", ip), zap.Error(err))
		return ""
	}
	return rec.Country.IsoCode
}

func (g *GeoIP) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

// Unknown is the Locator used when no database is configured.
type Unknown struct{}

func (Unknown) Country(string) string { return "" }
