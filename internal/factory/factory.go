package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"security-gateway/internal/audit"
	"security-gateway/internal/bucketing"
	"security-gateway/internal/client"
	"security-gateway/internal/config"
	"security-gateway/internal/device"
	"security-gateway/internal/encryption"
	"security-gateway/internal/gateway"
	"security-gateway/internal/geo"
	"security-gateway/internal/notification"
	"security-gateway/internal/ratelimit"
	redisrepo "security-gateway/internal/repository/redis"
	"security-gateway/internal/repository/scylla"
	"security-gateway/internal/risk"
	"security-gateway/internal/service"
	"security-gateway/internal/store"
	"security-gateway/internal/tenant"
	"security-gateway/internal/tls"
	"security-gateway/internal/token"
	"security-gateway/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager
	secrets    *encryption.SecretResolver
	aws        *aws.Config

	// Clients
	redisClient      *client.RedisClient
	postgresClient   *client.PostgresClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	sesClient        *sesv2.Client
	locator          geo.Locator

	bucketingManager *bucketing.Manager

	// Components
	limiter         *ratelimit.Limiter
	devices         *device.Tracker
	analytics       *audit.AnalyticsWriter
	auditDispatcher *audit.Dispatcher
	notifier        *notification.Dispatcher
	memoryAttempts  *notification.MemoryAttempts
	validator       *token.Validator
	gateway         *gateway.Gateway
	securityService *service.SecurityService

	cancelWorkers context.CancelFunc
	workers       sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration, connects every enabled backend and wires
// the gateway and the security service.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeSecrets(ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server)
	}

	if err := factory.initializeClients(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeComponents(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	factory.startWorkers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis_backed", factory.redisClient != nil),
		util.String("notification_source", cfg.Notifications.Source),
	)

	return factory, nil
}

// initializeSecrets loads the AWS configuration when KMS or SES is in use and
// decrypts kms: prefixed configuration values.
func (f *Factory) initializeSecrets(ctx context.Context) error {
	if f.config.KMS.Enabled || f.config.SES.Sender != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		f.aws = &awsCfg
	}

	if f.config.KMS.Enabled {
		f.secrets = encryption.NewSecretResolver(kms.NewFromConfig(*f.aws))
	} else {
		f.secrets = encryption.NewSecretResolver(nil)
	}
	return f.secrets.ResolveConfig(ctx, f.config)
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	// Redis
	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	// Postgres
	if f.config.Postgres.Enabled && f.config.Postgres.URL != "" {
		if c, err := client.NewPostgresClient(ctx, f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("postgres: %w", err))
		} else {
			f.postgresClient = c
		}
	}

	// ScyllaDB
	if f.config.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
		}
		if f.config.Notifications.Source == "kafka" {
			f.kafkaConsumer = client.NewKafkaConsumer(f.config, f.config.Kafka.EventsTopic, f.config.Kafka.ConsumerGroup)
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	// SES
	if f.aws != nil && f.config.SES.Sender != "" {
		sesCfg := f.aws.Copy()
		sesCfg.Region = f.config.SES.Region
		f.sesClient = sesv2.NewFromConfig(sesCfg)
	}

	// GeoIP
	locator, err := geo.Open(f.config.GeoIP.CountryDBPath)
	if err != nil {
		initErrors = append(initErrors, fmt.Errorf("geoip: %w", err))
		locator = geo.Unknown{}
	}
	f.locator = locator

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeComponents builds the stores, the audit pipeline, the notifier,
// the gateway and the security service on top of whichever clients came up.
func (f *Factory) initializeComponents() error {
	cfg := f.config
	f.bucketingManager = bucketing.NewManager(cfg.Bucketing.EventBuckets)

	// Shared counters and device records
	var (
		counter     store.Counter
		deviceStore device.Store
		attempts    notification.AttemptHistory
	)
	if f.redisClient != nil {
		counter = redisrepo.NewCounterStore(f.redisClient)
		deviceStore = redisrepo.NewDeviceStore(f.redisClient, cfg.Gateway.DeviceInactivity)
		attempts = redisrepo.NewAttemptStore(f.redisClient)
	} else {
		util.Warn("Redis unavailable, rate limits and device history are process local")
		counter = store.NewMemoryCounter(0, nil)
		deviceStore = device.NewMemoryStore(0)
		f.memoryAttempts = notification.NewMemoryAttempts()
		attempts = f.memoryAttempts
	}

	f.limiter = ratelimit.New(counter)
	f.devices = device.NewTracker(deviceStore, device.Config{
		TrustAfter: cfg.Gateway.DeviceTrustAfter,
		Inactivity: cfg.Gateway.DeviceInactivity,
	})

	// Notifications
	var notes notification.Store = notification.NewMemoryStore()
	if f.postgresClient != nil {
		notes = notification.NewPostgresStore(f.postgresClient.Pool)
	}
	if f.esClient != nil {
		notes = notification.NewIndexedStore(notes, f.esClient, cfg.Elasticsearch.NotificationIndex)
	}

	f.notifier = notification.NewDispatcher(notification.Options{
		Enabled:         cfg.Notifications.Enabled,
		Rules:           f.notificationRules(),
		Store:           notes,
		Counter:         counter,
		Attempts:        attempts,
		Routes:          f.notificationRoutes(),
		DeliveryTimeout: 10 * time.Second,
	})

	// Audit pipeline
	var writers []audit.Writer
	if f.postgresClient != nil {
		writers = append(writers, audit.NewPostgresWriter(f.postgresClient.Pool))
	}
	if f.scyllaClient != nil {
		writers = append(writers, scylla.NewSecurityEventRepository(f.scyllaClient, f.bucketingManager))
	}
	if f.kafkaProducer != nil {
		writers = append(writers, audit.NewStreamWriter(f.kafkaProducer, cfg.Kafka.EventsTopic))
	}
	if f.clickhouseClient != nil {
		f.analytics = audit.NewAnalyticsWriter(f.clickhouseClient, cfg.Clickhouse.BatchSize, cfg.Clickhouse.FlushInterval)
		writers = append(writers, f.analytics)
	}
	if cfg.Notifications.Source == "inline" {
		writers = append(writers, notification.NewEventWriter(f.notifier))
	}
	if len(writers) == 0 {
		util.Warn("No audit backends configured, security events are only logged")
	}
	f.auditDispatcher = audit.NewDispatcher(audit.NewSink(5*time.Second, writers...), cfg.Gateway.AuditBufferSize)

	// Token validation
	var provider token.IdentityProvider = token.RejectAll{}
	if cfg.Identity.JWTSecret != "" {
		p, err := token.NewJWTProvider(token.JWTConfig{
			Secret:   []byte(cfg.Identity.JWTSecret),
			Issuer:   cfg.Identity.Issuer,
			Audience: cfg.Identity.Audience,
			Leeway:   cfg.Identity.Leeway,
		})
		if err != nil {
			return fmt.Errorf("identity provider: %w", err)
		}
		provider = p
	} else {
		util.Warn("IDENTITY_JWT_SECRET not set, every token will be rejected")
	}
	var (
		checkers    []token.IntegrityChecker
		revocations *redisrepo.RevocationStore
	)
	if f.redisClient != nil {
		revocations = redisrepo.NewRevocationStore(f.redisClient)
		checkers = append(checkers, token.NewRevocationCheck(revocations))
	}
	if cfg.Identity.CheckIntegrity && f.postgresClient != nil {
		checkers = append(checkers, token.NewDatabaseIntegrity(f.postgresClient.Pool))
	}
	f.validator = token.NewValidator(provider, 3*time.Second, checkers...)

	// Gateway
	location, err := time.LoadLocation(cfg.Gateway.TimeZone)
	if err != nil {
		return fmt.Errorf("gateway time zone: %w", err)
	}
	riskCfg := risk.DefaultConfig()
	riskCfg.SuspiciousUserAgents = cfg.Gateway.SuspiciousUserAgents
	riskCfg.SuspiciousHourStart = cfg.Gateway.SuspiciousHourStart
	riskCfg.SuspiciousHourEnd = cfg.Gateway.SuspiciousHourEnd
	riskCfg.Location = location

	gwCfg, err := f.gatewayConfig()
	if err != nil {
		return err
	}
	f.gateway = gateway.New(gwCfg, gateway.Deps{
		Engine:  risk.NewEngine(riskCfg),
		Limiter: f.limiter,
		Devices: f.devices,
		Tokens:  f.validator,
		Audit:   f.auditDispatcher,
		Geo:     f.locator,
	})

	// Tenant guard and dashboard service
	var (
		runner      tenant.Runner = tenant.DirectRunner{}
		memberships tenant.MembershipSource
	)
	if f.postgresClient != nil {
		runner = tenant.NewPgRunner(f.postgresClient.Pool)
		memberships = tenant.NewPostgresMemberships(f.postgresClient.Pool)
	}

	deps := service.Deps{
		Limiter:     f.limiter,
		Devices:     f.devices,
		Recorder:    f.auditDispatcher,
		Notifier:    f.notifier,
		Guard:       tenant.NewGuard(runner, f.auditDispatcher),
		Memberships: memberships,
		RevokeTTL:   cfg.Identity.RevokeTTL,
		Logger:      util.Get(),
	}
	// assigned only when present so the interface stays nil without Redis
	if revocations != nil {
		deps.Revoker = revocations
	}
	svc, err := service.NewSecurityService(deps)
	if err != nil {
		return err
	}
	f.securityService = svc
	return nil
}

func (f *Factory) gatewayConfig() (gateway.Config, error) {
	g := f.config.Gateway
	cfg := gateway.DefaultConfig()
	proxies, err := util.ParseTrustedProxies(g.TrustedProxies)
	if err != nil {
		return cfg, err
	}
	cfg.TrustedProxies = proxies
	cfg.Default.MaxRequestsPerMinute = g.MaxRequestsPerMinute
	cfg.API.MaxRequestsPerMinute = g.APIMaxRequestsPerMinute
	cfg.Admin.MaxRequestsPerMinute = g.AdminMaxRequestsPerMinute
	cfg.StaticPrefixes = g.StaticPrefixes
	cfg.ProtectedPrefixes = g.ProtectedPrefixes
	cfg.AdminPrefixes = g.AdminPrefixes
	cfg.APIPrefixes = g.APIPrefixes
	cfg.FailOpen = g.FailOpen
	cfg.Debug = !f.config.IsProduction()
	return cfg, nil
}

func (f *Factory) notificationRules() notification.Rules {
	n := f.config.Notifications
	rules := notification.DefaultRules()
	rules.FailedLoginThreshold = n.FailedLoginThreshold
	rules.HighRiskScoreThreshold = n.HighRiskScoreThreshold
	rules.NewDeviceAlert = n.NewDeviceAlert
	rules.NewDeviceWindow = f.config.Gateway.DeviceInactivity
	rules.AdminAccessAlert = n.AdminAccessAlert
	rules.RateLimitAlert = n.RateLimitAlert
	rules.MaxPerWindow = n.MaxPerWindow
	rules.Window = n.Window
	return rules
}

func (f *Factory) notificationRoutes() []notification.Route {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	channels := f.config.Notifications.Channels
	// BuildRoutes skips email when its client is an untyped nil.
	if f.sesClient == nil {
		return notification.BuildRoutes(channels, nil, f.config.SES.Sender, httpClient)
	}
	return notification.BuildRoutes(channels, f.sesClient, f.config.SES.Sender, httpClient)
}

// startWorkers launches the cache sweepers and, when notifications are fed
// from Kafka, the event consumer.
func (f *Factory) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancelWorkers = cancel
	interval := f.config.Gateway.SweepInterval

	f.goWorker(func() { f.limiter.RunSweeper(ctx, interval) })
	f.goWorker(func() { f.devices.RunSweeper(ctx, interval) })

	if f.memoryAttempts != nil {
		window := f.config.Notifications.Window
		f.goWorker(func() {
			store.RunSweeper(ctx, "failed_attempts", interval, func(context.Context) (int, error) {
				return f.memoryAttempts.Sweep(time.Now(), window), nil
			})
		})
	}

	if f.kafkaConsumer != nil {
		consumer := notification.NewConsumer(f.kafkaConsumer, f.notifier)
		f.goWorker(func() { consumer.Run(ctx) })
		util.Info("Notification consumer started", util.String("topic", f.config.Kafka.EventsTopic))
	}
}

func (f *Factory) goWorker(fn func()) {
	f.workers.Add(1)
	go func() {
		defer f.workers.Done()
		fn()
	}()
}

// ==============================
// Health Checks
// ==============================

// HealthCheck pings every configured backend. A nil value means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)

	if f.redisClient != nil {
		results["redis"] = f.redisClient.HealthCheck(ctx)
	}
	if f.postgresClient != nil {
		results["postgres"] = f.postgresClient.HealthCheck(ctx)
	}
	if f.scyllaClient != nil {
		results["scylla"] = f.scyllaClient.HealthCheck(ctx)
	}
	if f.esClient != nil {
		results["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		results["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		results["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}
	return results
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	for _, err := range f.HealthCheck(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}

// Close stops the workers, drains the audit buffer and closes every client.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.cancelWorkers != nil {
			f.cancelWorkers()
			f.workers.Wait()
		}

		if f.auditDispatcher != nil {
			f.auditDispatcher.Close()
			util.Info("Audit buffer drained", util.Any("dropped", f.auditDispatcher.Dropped()))
		}
		if f.analytics != nil {
			f.analytics.Close()
		}

		if f.kafkaConsumer != nil {
			if err := f.kafkaConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.postgresClient != nil {
			f.postgresClient.Close()
			util.Info("Postgres pool closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if c, ok := f.locator.(io.Closer); ok {
			_ = c.Close()
		}

		if f.secrets != nil {
			f.secrets.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Gateway() *gateway.Gateway {
	return f.gateway
}

func (f *Factory) SecurityService() *service.SecurityService {
	return f.securityService
}
