package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Gateway: GatewayConfig{
			MaxRequestsPerMinute:      60,
			APIMaxRequestsPerMinute:   120,
			AdminMaxRequestsPerMinute: 30,
			SuspiciousHourStart:       2,
			SuspiciousHourEnd:         6,
			TimeZone:                  "UTC",
		},
		Notifications: NotificationsConfig{
			Source:               "inline",
			FailedLoginThreshold: 5,
			MaxPerWindow:         3,
			Window:               15 * time.Minute,
			Channels: []ChannelConfig{
				{Type: "EMAIL", Enabled: true, MinSeverity: "MEDIUM"},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"trusted proxies", func(c *Config) { c.Gateway.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.1"} }, ""},
		{"bad trusted proxy", func(c *Config) { c.Gateway.TrustedProxies = []string{"10.0.0.0/33"} }, "GATEWAY_TRUSTED_PROXIES"},
		{"production without jwt secret", func(c *Config) { c.Environment = "production" }, "IDENTITY_JWT_SECRET"},
		{"zero rate limit", func(c *Config) { c.Gateway.AdminMaxRequestsPerMinute = 0 }, "rate limits"},
		{"hour out of range", func(c *Config) { c.Gateway.SuspiciousHourEnd = 24 }, "suspicious hours"},
		{"bad time zone", func(c *Config) { c.Gateway.TimeZone = "Mars/Olympus" }, "GATEWAY_TIME_ZONE"},
		{"unknown source", func(c *Config) { c.Notifications.Source = "sqs" }, "NOTIFICATIONS_SOURCE"},
		{"kafka source without kafka", func(c *Config) { c.Notifications.Source = "kafka" }, "KAFKA_ENABLED"},
		{"bad severity", func(c *Config) { c.Notifications.Channels[0].MinSeverity = "URGENT" }, "min severity"},
		{"email recipients without sender", func(c *Config) {
			c.Notifications.Channels[0].Recipients = []string{"sec@example.com"}
		}, "SES_SENDER"},
		{"webhook without url", func(c *Config) {
			c.Notifications.Channels = append(c.Notifications.Channels, ChannelConfig{Type: "WEBHOOK", Enabled: true, MinSeverity: "HIGH"})
		}, "url is required"},
		{"disabled channel is not checked", func(c *Config) {
			c.Notifications.Channels = append(c.Notifications.Channels, ChannelConfig{Type: "PAGER", MinSeverity: "nope"})
		}, ""},
		{"unsupported channel", func(c *Config) {
			c.Notifications.Channels = append(c.Notifications.Channels, ChannelConfig{Type: "PAGER", Enabled: true, MinSeverity: "HIGH"})
		}, "unsupported channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadChannelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	raw := `channels:
  - type: slack
    enabled: true
    min_severity: high
    url: https://hooks.example.com/T000/B000
  - type: email
    enabled: true
    types: [HIGH_RISK_LOGIN, TOKEN_COMPROMISE]
    recipients: [sec@example.com]
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	channels, err := LoadChannelsFile(path)
	if err != nil {
		t.Fatalf("LoadChannelsFile: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(channels))
	}
	if channels[0].Type != "SLACK" || channels[0].MinSeverity != "HIGH" || channels[0].URL == "" {
		t.Fatalf("unexpected slack channel: %+v", channels[0])
	}
	if channels[1].Type != "EMAIL" || channels[1].MinSeverity != "MEDIUM" || len(channels[1].Types) != 2 || channels[1].Recipients[0] != "sec@example.com" {
		t.Fatalf("unexpected email channel: %+v", channels[1])
	}

	if _, err := LoadChannelsFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("channels: [\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadChannelsFile(bad); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadChannelsFromEnv(t *testing.T) {
	t.Setenv("NOTIFICATIONS_CHANNELS_FILE", "")
	t.Setenv("NOTIFY_EMAIL_RECIPIENTS", "a@example.com, b@example.com")
	t.Setenv("NOTIFY_WEBHOOK_URL", "")
	t.Setenv("NOTIFY_SLACK_WEBHOOK_URL", "https://hooks.example.com/x")

	channels := loadChannels()
	if len(channels) != 2 {
		t.Fatalf("expected email and slack channels, got %+v", channels)
	}
	if channels[0].Type != "EMAIL" || len(channels[0].Recipients) != 2 {
		t.Fatalf("unexpected email channel: %+v", channels[0])
	}
	if channels[1].Type != "SLACK" || channels[1].MinSeverity != "HIGH" {
		t.Fatalf("unexpected slack channel: %+v", channels[1])
	}
}
