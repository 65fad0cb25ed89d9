package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"security-gateway/internal/util"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Postgres      PostgresConfig
	KMS           KMSConfig
	SES           SESConfig
	GeoIP         GeoIPConfig
	Identity      IdentityConfig
	Gateway       GatewayConfig
	Notifications NotificationsConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	EventsTopic   string
	ConsumerGroup string
}

type ElasticsearchConfig struct {
	Enabled           bool
	URL               string
	Username          string
	Password          string
	NotificationIndex string
}

type ClickhouseConfig struct {
	Enabled       bool
	URL           string
	Username      string
	Password      string
	Database      string
	BatchSize     int
	FlushInterval time.Duration
}

type PostgresConfig struct {
	Enabled  bool
	URL      string
	MaxConns int32
}

type KMSConfig struct {
	Enabled bool
	Region  string
}

type SESConfig struct {
	Region string
	Sender string
}

type GeoIPConfig struct {
	CountryDBPath string
}

// IdentityConfig describes how bearer tokens issued by the identity provider
// are verified.
type IdentityConfig struct {
	JWTSecret      string
	Issuer         string
	Audience       string
	Leeway         time.Duration
	CheckIntegrity bool
	// RevokeTTL keeps a revoked token id; at least the access token lifetime.
	RevokeTTL time.Duration
}

type GatewayConfig struct {
	MaxRequestsPerMinute      int
	APIMaxRequestsPerMinute   int
	AdminMaxRequestsPerMinute int
	FailOpen                  bool
	SuspiciousUserAgents      []string
	SuspiciousHourStart       int
	SuspiciousHourEnd         int
	TimeZone                  string
	StaticPrefixes            []string
	ProtectedPrefixes         []string
	AdminPrefixes             []string
	APIPrefixes               []string
	TrustedProxies            []string
	DeviceTrustAfter          time.Duration
	DeviceInactivity          time.Duration
	SweepInterval             time.Duration
	AuditBufferSize           int
}

type NotificationsConfig struct {
	Enabled                bool
	Source                 string // "inline" or "kafka"
	FailedLoginThreshold   int
	HighRiskScoreThreshold int
	NewDeviceAlert         bool
	AdminAccessAlert       bool
	RateLimitAlert         bool
	MaxPerWindow           int
	Window                 time.Duration
	Channels               []ChannelConfig
}

// ChannelConfig is one outbound notification channel. Secrets may be given as
// "kms:<base64 ciphertext>" and are resolved at startup.
type ChannelConfig struct {
	Type        string   `yaml:"type"`
	Enabled     bool     `yaml:"enabled"`
	MinSeverity string   `yaml:"min_severity"`
	Types       []string `yaml:"types"`
	Recipients  []string `yaml:"recipients"`
	URL         string   `yaml:"url"`
	AuthHeader  string   `yaml:"auth_header"`
}

type BucketingConfig struct {
	EventBuckets int
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads the environment (and an optional .env file) into a Config
// and makes it available through Get.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getInt("SERVER_PORT", 8080),
			TLSPort:      getInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getBool("SERVER_AUTO_CERT", false),
			Domain:       GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  GetEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:        GetEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CORSOrigins:  getList("SERVER_CORS_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Format: GetEnv("LOG_FORMAT", "json"),
			File:   GetEnv("LOG_FILE", ""),
		},
		Redis: RedisConfig{
			Enabled:  getBool("REDIS_ENABLED", true),
			URL:      GetEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			PoolSize: getInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Enabled:  getBool("SCYLLA_ENABLED", false),
			Nodes:    getList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: GetEnv("SCYLLA_KEYSPACE", "security"),
			Username: GetEnv("SCYLLA_USERNAME", ""),
			Password: GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:       getBool("KAFKA_ENABLED", false),
			Brokers:       getList("KAFKA_BROKERS", []string{"localhost:9092"}),
			EventsTopic:   GetEnv("KAFKA_EVENTS_TOPIC", "security.events"),
			ConsumerGroup: GetEnv("KAFKA_CONSUMER_GROUP", "security-notifier"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:           getBool("ELASTICSEARCH_ENABLED", false),
			URL:               GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:          GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:          GetEnv("ELASTICSEARCH_PASSWORD", ""),
			NotificationIndex: GetEnv("ELASTICSEARCH_NOTIFICATION_INDEX", "security-notifications"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:       getBool("CLICKHOUSE_ENABLED", false),
			URL:           GetEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username:      GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password:      GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database:      GetEnv("CLICKHOUSE_DATABASE", "security"),
			BatchSize:     getInt("CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getDuration("CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
		},
		Postgres: PostgresConfig{
			Enabled:  getBool("POSTGRES_ENABLED", true),
			URL:      GetEnv("DATABASE_URL", ""),
			MaxConns: int32(getInt("POSTGRES_MAX_CONNS", 10)),
		},
		KMS: KMSConfig{
			Enabled: getBool("KMS_ENABLED", false),
			Region:  GetEnv("AWS_REGION", "us-east-1"),
		},
		SES: SESConfig{
			Region: GetEnv("SES_REGION", GetEnv("AWS_REGION", "us-east-1")),
			Sender: GetEnv("SES_SENDER", ""),
		},
		GeoIP: GeoIPConfig{
			CountryDBPath: GetEnv("GEOIP_COUNTRY_DB", ""),
		},
		Identity: IdentityConfig{
			JWTSecret:      GetEnv("IDENTITY_JWT_SECRET", ""),
			Issuer:         GetEnv("IDENTITY_ISSUER", ""),
			Audience:       GetEnv("IDENTITY_AUDIENCE", "authenticated"),
			Leeway:         getDuration("IDENTITY_LEEWAY", 30*time.Second),
			CheckIntegrity: getBool("IDENTITY_CHECK_INTEGRITY", true),
			RevokeTTL:      getDuration("IDENTITY_REVOKE_TTL", 24*time.Hour),
		},
		Gateway: GatewayConfig{
			MaxRequestsPerMinute:      getInt("GATEWAY_MAX_REQUESTS_PER_MINUTE", 60),
			APIMaxRequestsPerMinute:   getInt("GATEWAY_API_MAX_REQUESTS_PER_MINUTE", 120),
			AdminMaxRequestsPerMinute: getInt("GATEWAY_ADMIN_MAX_REQUESTS_PER_MINUTE", 30),
			FailOpen:                  getBool("GATEWAY_FAIL_OPEN", true),
			SuspiciousUserAgents:      getList("GATEWAY_SUSPICIOUS_USER_AGENTS", []string{"bot", "crawler", "spider", "scraper"}),
			SuspiciousHourStart:       getInt("GATEWAY_SUSPICIOUS_HOUR_START", 2),
			SuspiciousHourEnd:         getInt("GATEWAY_SUSPICIOUS_HOUR_END", 6),
			TimeZone:                  GetEnv("GATEWAY_TIME_ZONE", "UTC"),
			StaticPrefixes:            getList("GATEWAY_STATIC_PREFIXES", []string{"/_next/static", "/_next/image", "/static/", "/assets/", "/favicon.ico", "/health", "/metrics"}),
			ProtectedPrefixes:         getList("GATEWAY_PROTECTED_PREFIXES", []string{"/admin", "/api/admin", "/dashboard", "/api/v1/security"}),
			AdminPrefixes:             getList("GATEWAY_ADMIN_PREFIXES", []string{"/admin", "/api/admin"}),
			APIPrefixes:               getList("GATEWAY_API_PREFIXES", []string{"/api/"}),
			TrustedProxies:            getList("GATEWAY_TRUSTED_PROXIES", nil),
			DeviceTrustAfter:          getDuration("GATEWAY_DEVICE_TRUST_AFTER", 7*24*time.Hour),
			DeviceInactivity:          getDuration("GATEWAY_DEVICE_INACTIVITY", 30*24*time.Hour),
			SweepInterval:             getDuration("GATEWAY_SWEEP_INTERVAL", time.Minute),
			AuditBufferSize:           getInt("GATEWAY_AUDIT_BUFFER_SIZE", 1024),
		},
		Notifications: NotificationsConfig{
			Enabled:                getBool("NOTIFICATIONS_ENABLED", true),
			Source:                 GetEnv("NOTIFICATIONS_SOURCE", "inline"),
			FailedLoginThreshold:   getInt("NOTIFICATIONS_FAILED_LOGIN_THRESHOLD", 5),
			HighRiskScoreThreshold: getInt("NOTIFICATIONS_HIGH_RISK_THRESHOLD", 70),
			NewDeviceAlert:         getBool("NOTIFICATIONS_NEW_DEVICE_ALERT", true),
			AdminAccessAlert:       getBool("NOTIFICATIONS_ADMIN_ACCESS_ALERT", true),
			RateLimitAlert:         getBool("NOTIFICATIONS_RATE_LIMIT_ALERT", true),
			MaxPerWindow:           getInt("NOTIFICATIONS_MAX_PER_WINDOW", 3),
			Window:                 getDuration("NOTIFICATIONS_WINDOW", 15*time.Minute),
			Channels:               loadChannels(),
		},
		Bucketing: BucketingConfig{
			EventBuckets: getInt("BUCKETING_EVENT_BUCKETS", 64),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// loadChannels builds the channel list. NOTIFICATIONS_CHANNELS_FILE, when set,
// replaces the environment driven list entirely. Otherwise the email channel
// is always present and webhook and chat channels appear only when a URL is
// configured.
func loadChannels() []ChannelConfig {
	if path := GetEnv("NOTIFICATIONS_CHANNELS_FILE", ""); path != "" {
		channels, err := LoadChannelsFile(path)
		if err == nil {
			return channels
		}
		fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
	}

	channels := []ChannelConfig{{
		Type:        "EMAIL",
		Enabled:     getBool("NOTIFY_EMAIL_ENABLED", true),
		MinSeverity: GetEnv("NOTIFY_EMAIL_MIN_SEVERITY", "MEDIUM"),
		Types: getList("NOTIFY_EMAIL_TYPES", []string{
			"HIGH_RISK_LOGIN", "MULTIPLE_FAILED_ATTEMPTS", "ACCOUNT_LOCKED", "TOKEN_COMPROMISE", "ADMIN_ACCESS",
		}),
		Recipients: getList("NOTIFY_EMAIL_RECIPIENTS", nil),
	}}
	if url := GetEnv("NOTIFY_WEBHOOK_URL", ""); url != "" {
		channels = append(channels, ChannelConfig{
			Type:        "WEBHOOK",
			Enabled:     getBool("NOTIFY_WEBHOOK_ENABLED", true),
			MinSeverity: GetEnv("NOTIFY_WEBHOOK_MIN_SEVERITY", "HIGH"),
			Types:       getList("NOTIFY_WEBHOOK_TYPES", nil),
			URL:         url,
			AuthHeader:  GetEnv("NOTIFY_WEBHOOK_AUTH_HEADER", ""),
		})
	}
	if url := GetEnv("NOTIFY_SLACK_WEBHOOK_URL", ""); url != "" {
		channels = append(channels, ChannelConfig{
			Type:        "SLACK",
			Enabled:     getBool("NOTIFY_SLACK_ENABLED", true),
			MinSeverity: GetEnv("NOTIFY_SLACK_MIN_SEVERITY", "HIGH"),
			Types:       getList("NOTIFY_SLACK_TYPES", nil),
			URL:         url,
		})
	}
	return channels
}

type channelsFile struct {
	Channels []ChannelConfig `yaml:"channels"`
}

// LoadChannelsFile reads a YAML channel list:
//
//	channels:
//	  - type: SLACK
//	    enabled: true
//	    min_severity: HIGH
//	    url: https://hooks.slack.com/services/...
func LoadChannelsFile(path string) ([]ChannelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channels file: %w", err)
	}
	var f channelsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse channels file: %w", err)
	}
	for i := range f.Channels {
		f.Channels[i].Type = strings.ToUpper(f.Channels[i].Type)
		f.Channels[i].MinSeverity = strings.ToUpper(f.Channels[i].MinSeverity)
		if f.Channels[i].MinSeverity == "" {
			f.Channels[i].MinSeverity = "MEDIUM"
		}
	}
	return f.Channels, nil
}

var validSeverities = map[string]bool{"LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true}

// Validate reports configuration errors that must stop the process before it
// serves traffic.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProduction() && c.Identity.JWTSecret == "" {
		errs = append(errs, errors.New("IDENTITY_JWT_SECRET is required in production"))
	}
	if c.Postgres.Enabled && c.Postgres.URL == "" && c.IsProduction() {
		errs = append(errs, errors.New("DATABASE_URL is required when postgres is enabled"))
	}
	if c.Gateway.MaxRequestsPerMinute <= 0 || c.Gateway.APIMaxRequestsPerMinute <= 0 || c.Gateway.AdminMaxRequestsPerMinute <= 0 {
		errs = append(errs, errors.New("gateway rate limits must be positive"))
	}
	if c.Gateway.SuspiciousHourStart < 0 || c.Gateway.SuspiciousHourStart > 23 ||
		c.Gateway.SuspiciousHourEnd < 0 || c.Gateway.SuspiciousHourEnd > 23 {
		errs = append(errs, errors.New("suspicious hours must be within 0-23"))
	}
	if _, err := time.LoadLocation(c.Gateway.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("invalid GATEWAY_TIME_ZONE: %w", err))
	}
	if _, err := util.ParseTrustedProxies(c.Gateway.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("invalid GATEWAY_TRUSTED_PROXIES: %w", err))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when kafka is enabled"))
	}
	if c.Notifications.Source != "inline" && c.Notifications.Source != "kafka" {
		errs = append(errs, fmt.Errorf("NOTIFICATIONS_SOURCE must be inline or kafka, got %q", c.Notifications.Source))
	}
	if c.Notifications.Source == "kafka" && !c.Kafka.Enabled {
		errs = append(errs, errors.New("NOTIFICATIONS_SOURCE=kafka requires KAFKA_ENABLED"))
	}
	if c.Notifications.FailedLoginThreshold <= 0 || c.Notifications.MaxPerWindow <= 0 || c.Notifications.Window <= 0 {
		errs = append(errs, errors.New("notification thresholds and windows must be positive"))
	}
	for _, ch := range c.Notifications.Channels {
		if !ch.Enabled {
			continue
		}
		if !validSeverities[ch.MinSeverity] {
			errs = append(errs, fmt.Errorf("channel %s: invalid min severity %q", ch.Type, ch.MinSeverity))
		}
		switch ch.Type {
		case "EMAIL":
			if len(ch.Recipients) > 0 && c.SES.Sender == "" {
				errs = append(errs, errors.New("channel EMAIL: SES_SENDER is required when recipients are configured"))
			}
		case "WEBHOOK", "SLACK":
			if ch.URL == "" {
				errs = append(errs, fmt.Errorf("channel %s: url is required", ch.Type))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported channel type %q", ch.Type))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// GetEnv returns the value of key or defaultValue when unset.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(GetEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(GetEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(GetEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
