package main

import (
    "context"
    "fmt"
    "time"

    "github.com/sony/gobreaker/v2"

    "github.com/radscheduler/core/internal/admin"
    "github.com/radscheduler/core/internal/audit"
    "github.com/radscheduler/core/internal/config"
    "github.com/radscheduler/core/internal/conversation"
    "github.com/radscheduler/core/internal/health"
    "github.com/radscheduler/core/internal/identity"
    "github.com/radscheduler/core/internal/ie"
    "github.com/radscheduler/core/internal/inbound"
    "github.com/radscheduler/core/internal/metrics"
    "github.com/radscheduler/core/internal/sms"
    "github.com/radscheduler/core/internal/store"
    "github.com/radscheduler/core/internal/sweep"
    "github.com/radscheduler/core/pkg/logger"
)

// services bundles every long-lived collaborator cmd/scheduler wires
// together, the same "global services shared across commands" shape the
// teacher's cmd/router uses, minus the package-level vars — everything here
// is threaded explicitly through initialize's return value instead.
type services struct {
    cfg           *config.Config
    db            *store.DB
    engine        *conversation.Engine
    inboundServer *inbound.Server
    sweepSched    *sweep.Scheduler
    adminService  *admin.Service
    healthSvc     *health.HealthService
    metricsSvc    *metrics.PrometheusMetrics
}

// consentChecker adapts store.ConsentStore to sms.ConsentChecker.
type consentChecker struct {
    store *store.ConsentStore
}

func (c consentChecker) IsConsentActive(ctx context.Context, phoneHash string) (bool, error) {
    consent, err := c.store.Get(ctx, phoneHash)
    if err != nil {
        return false, err
    }
    return consent.IsActive(), nil
}

func loadConfig(configFile string) (*config.Config, error) {
    return config.Load(configFile)
}

func initialize(ctx context.Context, cfg *config.Config) (*services, error) {
    logCfg := logger.Config{
        Level:  cfg.Monitoring.Logging.Level,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }
    if err := logger.Init(logCfg); err != nil {
        return nil, fmt.Errorf("failed to initialize logger: %w", err)
    }

    if err := identity.Init(cfg.Security.PhoneHashSalt, cfg.Security.PhoneEncryptionKey, cfg.Security.PhoneEncryptionKeyID); err != nil {
        return nil, fmt.Errorf("failed to initialize identity keys: %w", err)
    }

    dbCfg := store.Config{
        Driver:          cfg.Database.Driver,
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
    }
    if err := store.Initialize(dbCfg); err != nil {
        return nil, fmt.Errorf("failed to initialize database: %w", err)
    }
    db := store.GetDB()

    if err := store.RunDatabaseMigrations(db.DB); err != nil {
        return nil, fmt.Errorf("failed to run database migrations: %w", err)
    }

    cacheCfg := store.CacheConfig{
        Host:         cfg.Redis.Host,
        Port:         cfg.Redis.Port,
        Password:     cfg.Redis.Password,
        DB:           cfg.Redis.DB,
        PoolSize:     cfg.Redis.PoolSize,
        MinIdleConns: cfg.Redis.MinIdleConns,
        MaxRetries:   cfg.Redis.MaxRetries,
    }
    if err := store.InitializeCache(cacheCfg, cfg.App.Name); err != nil {
        return nil, fmt.Errorf("failed to initialize cache: %w", err)
    }
    cache := store.GetCache()

    conversationStore := store.NewConversationStore(db)
    consentStore := store.NewConsentStore(db)
    auditStore := store.NewAuditStore(db)
    orgConfigStore := store.NewOrgConfigStore(db)

    recorder := audit.New(auditStore)

    providers, err := buildSMSProviders(cfg.SMS.Providers, cfg.SMS.RequestTimeout)
    if err != nil {
        return nil, err
    }
    breakerSettings := gobreaker.Settings{
        MaxRequests: cfg.SMS.CircuitBreaker.MaxRequests,
        Interval:    cfg.SMS.CircuitBreaker.Interval,
        Timeout:     cfg.SMS.CircuitBreaker.Timeout,
        ReadyToTrip: func(counts gobreaker.Counts) bool {
            if counts.Requests < cfg.SMS.CircuitBreaker.MinRequests {
                return false
            }
            failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
            return failureRatio >= cfg.SMS.CircuitBreaker.FailureRatio
        },
    }
    cachedOrgConfig := store.NewCachedOrgConfigStore(cache, orgConfigStore, cfg.SMS.OrgConfigCacheTTL)
    dispatcher := sms.NewDispatcher(providers, breakerSettings, cachedOrgConfig, consentChecker{consentStore}, recorder)

    ieClient := ie.NewHTTPClient(ie.Config{
        BaseURL:        cfg.IE.BaseURL,
        BearerToken:    cfg.IE.BearerToken,
        Timeout:        time.Duration(cfg.IE.TimeoutMS) * time.Millisecond,
        MaxRetries:     cfg.IE.MaxRetries,
        InitialBackoff: cfg.IE.InitialBackoff,
        MaxBackoff:     cfg.IE.MaxBackoff,
    })

    engine := conversation.New(conversationStore, consentStore, dispatcher, ieClient, recorder, identity.PhoneDecrypter{}, nil, conversation.Config{
        SessionTTL:              cfg.Scheduling.SessionTTL(),
        MaxUnrecognizedReplies:  cfg.Scheduling.MaxUnrecognizedReplies,
        ModalityDurationMinutes: cfg.Scheduling.ModalityDurationMinutes,
        AggregationRule:         cfg.Scheduling.AggregationRule,
    })

    metricsSvc := metrics.NewPrometheusMetrics()

    handlers := &inbound.Handlers{Engine: engine, MaxSlotRetries: cfg.Scheduling.SlotMaxRetries}
    inboundServer := inbound.NewServer(inbound.Config{
        ListenAddress:        cfg.Inbound.ListenAddress,
        Port:                 cfg.Inbound.Port,
        ReadTimeout:          cfg.Inbound.ReadTimeout,
        WriteTimeout:         cfg.Inbound.WriteTimeout,
        IdleTimeout:          cfg.Inbound.IdleTimeout,
        ShutdownTimeout:      cfg.Inbound.ShutdownTimeout,
        OrderWebhookSecret:   cfg.Inbound.OrderWebhookSecret,
        SMSWebhookSecret:     cfg.Inbound.SMSWebhookSecret,
        HL7CallbackAuthToken: cfg.Inbound.HL7CallbackAuthToken,
    }, metricsSvc, handlers, recorder)

    adminStore := admin.NewSQLStore(db)
    adminService := admin.NewService(adminStore)
    if cfg.Security.API.Enabled {
        admin.Routes(inboundServer.Router(), adminService)
    }

    sweepSched := sweep.New(conversationStore, auditStore, cache, engine, sweep.Config{
        ExpirySweepIntervalSeconds:  cfg.Scheduling.ExpirySweepIntervalSeconds,
        StuckMonitorIntervalSeconds: cfg.Scheduling.StuckMonitorIntervalSeconds,
        SlotResponseSLA:             cfg.Scheduling.SlotResponseSLA(),
        SlotMaxRetries:              cfg.Scheduling.SlotMaxRetries,
        BookingSLA:                  cfg.Scheduling.BookingSLA(),
        AuditRetention:              cfg.Scheduling.AuditRetention(),
    })

    var healthSvc *health.HealthService
    if cfg.Monitoring.Health.Enabled {
        healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port)
        healthSvc.RegisterLivenessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            if !db.IsHealthy() {
                return fmt.Errorf("database not healthy")
            }
            return nil
        }))
        healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
            return db.PingContext(ctx)
        }))
    }

    return &services{
        cfg:           cfg,
        db:            db,
        engine:        engine,
        inboundServer: inboundServer,
        sweepSched:    sweepSched,
        adminService:  adminService,
        healthSvc:     healthSvc,
        metricsSvc:    metricsSvc,
    }, nil
}

func buildSMSProviders(cfgs []config.SMSProviderConfig, timeout time.Duration) ([]sms.Provider, error) {
    providers := make([]sms.Provider, 0, len(cfgs))
    for _, p := range cfgs {
        switch p.Type {
        case "webhook":
            providers = append(providers, sms.NewWebhookRelayProvider(p.Name, p.BaseURL, p.AuthToken, timeout))
        default:
            providers = append(providers, sms.NewTwilioProvider(p.Name, p.BaseURL, p.AccountSID, p.AuthToken, timeout))
        }
    }
    return providers, nil
}

// initializeForCLI loads config and wires every service the admin CLI
// subcommands need, mirroring the teacher's initializeForCLI helper. It reads
// the same --config flag value serve uses, via the package-level configFile
// set by main's persistent flag.
func initializeForCLI(ctx context.Context) (*services, error) {
    cfg, err := loadConfig(configFile)
    if err != nil {
        return nil, fmt.Errorf("failed to load config: %w", err)
    }
    return initialize(ctx, cfg)
}
