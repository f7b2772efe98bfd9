package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
    App         AppConfig         `mapstructure:"app"`
    Database    DatabaseConfig    `mapstructure:"database"`
    Redis       RedisConfig       `mapstructure:"redis"`
    Inbound     InboundConfig     `mapstructure:"inbound"`
    Scheduling  SchedulingConfig  `mapstructure:"scheduling"`
    IE          IEConfig          `mapstructure:"ie"`
    SMS         SMSConfig         `mapstructure:"sms"`
    Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
    Security    SecurityConfig    `mapstructure:"security"`
    Performance PerformanceConfig `mapstructure:"performance"`
}

// AppConfig holds application-level configuration
type AppConfig struct {
    Name        string `mapstructure:"name"`
    Version     string `mapstructure:"version"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
    SSLMode         string        `mapstructure:"ssl_mode"`
    Charset         string        `mapstructure:"charset"`
}

// RedisConfig holds Redis cache configuration
type RedisConfig struct {
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    Password     string        `mapstructure:"password"`
    DB           int           `mapstructure:"db"`
    PoolSize     int           `mapstructure:"pool_size"`
    MinIdleConns int           `mapstructure:"min_idle_conns"`
    MaxRetries   int           `mapstructure:"max_retries"`
    DialTimeout  time.Duration `mapstructure:"dial_timeout"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
    PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
    IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// InboundConfig holds the HTTP edge (webhooks + admin API) server configuration
type InboundConfig struct {
    ListenAddress   string        `mapstructure:"listen_address"`
    Port            int           `mapstructure:"port"`
    ReadTimeout     time.Duration `mapstructure:"read_timeout"`
    WriteTimeout    time.Duration `mapstructure:"write_timeout"`
    IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
    ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
    OrderWebhookSecret    string  `mapstructure:"order_webhook_secret"`
    SMSWebhookSecret      string  `mapstructure:"sms_webhook_secret"`
    HL7CallbackAuthToken  string  `mapstructure:"hl7_callback_auth_token"`
}

// SchedulingConfig holds conversation-engine timing and policy configuration
type SchedulingConfig struct {
    SessionTTLHours              int            `mapstructure:"session_ttl_hours"`
    SlotResponseSLASeconds       int            `mapstructure:"slot_response_sla_seconds"`
    SlotMaxRetries               int            `mapstructure:"slot_max_retries"`
    BookingSLASeconds            int            `mapstructure:"booking_sla_seconds"`
    AuditRetentionDays           int            `mapstructure:"audit_retention_days"`
    ExpirySweepIntervalSeconds   int            `mapstructure:"expiry_sweep_interval_seconds"`
    StuckMonitorIntervalSeconds  int            `mapstructure:"stuck_monitor_interval_seconds"`
    MaxUnrecognizedReplies       int            `mapstructure:"max_unrecognized_replies"`
    ModalityDurationMinutes      map[string]int `mapstructure:"modality_duration_minutes"`
    AggregationRule              string         `mapstructure:"aggregation_rule"`
}

// IEConfig holds HL7 Interface Engine client configuration
type IEConfig struct {
    BaseURL         string        `mapstructure:"base_url"`
    BearerToken     string        `mapstructure:"bearer_token"`
    TimeoutMS       int           `mapstructure:"timeout_ms"`
    MaxRetries      int           `mapstructure:"max_retries"`
    InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
    MaxBackoff      time.Duration `mapstructure:"max_backoff"`
}

// SMSConfig holds multi-provider SMS dispatcher configuration
type SMSConfig struct {
    Providers         []SMSProviderConfig  `mapstructure:"providers"`
    RequestTimeout    time.Duration        `mapstructure:"request_timeout"`
    CircuitBreaker    CircuitBreakerConfig `mapstructure:"circuit_breaker"`
    OrgConfigCacheTTL time.Duration        `mapstructure:"org_config_cache_ttl"`
}

// SMSProviderConfig is one configured provider credential set. Type selects
// which sms.Provider implementation to build: "twilio" (default) or
// "webhook" for a generic relay endpoint.
type SMSProviderConfig struct {
    Name        string `mapstructure:"name"`
    Type        string `mapstructure:"type"`
    BaseURL     string `mapstructure:"base_url"`
    AccountSID  string `mapstructure:"account_sid"`
    AuthToken   string `mapstructure:"auth_token"`
}

// CircuitBreakerConfig configures the sony/gobreaker wrapping around outbound calls.
type CircuitBreakerConfig struct {
    MaxRequests   uint32        `mapstructure:"max_requests"`
    Interval      time.Duration `mapstructure:"interval"`
    Timeout       time.Duration `mapstructure:"timeout"`
    FailureRatio  float64       `mapstructure:"failure_ratio"`
    MinRequests   uint32        `mapstructure:"min_requests"`
}

// MonitoringConfig holds monitoring and observability configuration
type MonitoringConfig struct {
    Metrics MetricsConfig `mapstructure:"metrics"`
    Health  HealthConfig  `mapstructure:"health"`
    Logging LoggingConfig `mapstructure:"logging"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
    Enabled   bool   `mapstructure:"enabled"`
    Port      int    `mapstructure:"port"`
    Path      string `mapstructure:"path"`
    Namespace string `mapstructure:"namespace"`
    Subsystem string `mapstructure:"subsystem"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
    Enabled       bool          `mapstructure:"enabled"`
    Port          int           `mapstructure:"port"`
    LivenessPath  string        `mapstructure:"liveness_path"`
    ReadinessPath string        `mapstructure:"readiness_path"`
    CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
    Level  string                 `mapstructure:"level"`
    Format string                 `mapstructure:"format"`
    Output string                 `mapstructure:"output"`
    File   FileLogConfig          `mapstructure:"file"`
    Fields map[string]interface{} `mapstructure:"fields"`
}

// FileLogConfig holds file-based logging configuration
type FileLogConfig struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig holds security-related configuration (HIPAA identity crypto + API)
type SecurityConfig struct {
    PhoneHashSalt      string    `mapstructure:"phone_hash_salt"`
    PhoneEncryptionKey string    `mapstructure:"phone_encryption_key"`
    PhoneEncryptionKeyID string  `mapstructure:"phone_encryption_key_id"`
    TLS                TLSConfig `mapstructure:"tls"`
    API                APIConfig `mapstructure:"api"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
    Enabled  bool   `mapstructure:"enabled"`
    CertFile string `mapstructure:"cert_file"`
    KeyFile  string `mapstructure:"key_file"`
}

// APIConfig holds admin API configuration
type APIConfig struct {
    Enabled     bool     `mapstructure:"enabled"`
    AuthToken   string   `mapstructure:"auth_token"`
    CORSEnabled bool     `mapstructure:"cors_enabled"`
    CORSOrigins []string `mapstructure:"cors_origins"`
}

// PerformanceConfig holds performance tuning configuration
type PerformanceConfig struct {
    WorkerPoolSize int `mapstructure:"worker_pool_size"`
    QueueSize      int `mapstructure:"queue_size"`
}

// Load loads configuration from file and environment
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("config")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/radscheduler")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("RADSCHEDULER")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
    }

    var config Config
    if err := viper.Unmarshal(&config); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    if err := config.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
    // App defaults
    viper.SetDefault("app.name", "radscheduler")
    viper.SetDefault("app.version", "1.0.0")
    viper.SetDefault("app.environment", "development")
    viper.SetDefault("app.debug", false)

    // Database defaults
    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "radscheduler")
    viper.SetDefault("database.password", "radscheduler")
    viper.SetDefault("database.database", "radscheduler")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "1s")
    viper.SetDefault("database.charset", "utf8mb4")

    // Redis defaults
    viper.SetDefault("redis.host", "localhost")
    viper.SetDefault("redis.port", 6379)
    viper.SetDefault("redis.db", 0)
    viper.SetDefault("redis.pool_size", 10)
    viper.SetDefault("redis.min_idle_conns", 5)
    viper.SetDefault("redis.max_retries", 3)
    viper.SetDefault("redis.dial_timeout", "5s")
    viper.SetDefault("redis.read_timeout", "3s")
    viper.SetDefault("redis.write_timeout", "3s")

    // Inbound edge defaults
    viper.SetDefault("inbound.listen_address", "0.0.0.0")
    viper.SetDefault("inbound.port", 8080)
    viper.SetDefault("inbound.read_timeout", "10s")
    viper.SetDefault("inbound.write_timeout", "10s")
    viper.SetDefault("inbound.idle_timeout", "120s")
    viper.SetDefault("inbound.shutdown_timeout", "30s")

    // Scheduling defaults (spec.md §6 stated defaults)
    viper.SetDefault("scheduling.session_ttl_hours", 24)
    viper.SetDefault("scheduling.slot_response_sla_seconds", 90)
    viper.SetDefault("scheduling.slot_max_retries", 1)
    viper.SetDefault("scheduling.booking_sla_seconds", 30)
    viper.SetDefault("scheduling.audit_retention_days", 2555)
    viper.SetDefault("scheduling.expiry_sweep_interval_seconds", 300)
    viper.SetDefault("scheduling.stuck_monitor_interval_seconds", 60)
    viper.SetDefault("scheduling.max_unrecognized_replies", 3)
    viper.SetDefault("scheduling.aggregation_rule", "sum")

    // IE client defaults
    viper.SetDefault("ie.timeout_ms", 5000)
    viper.SetDefault("ie.max_retries", 3)
    viper.SetDefault("ie.initial_backoff", "2s")
    viper.SetDefault("ie.max_backoff", "8s")

    // SMS dispatcher defaults
    viper.SetDefault("sms.request_timeout", "10s")
    viper.SetDefault("sms.circuit_breaker.max_requests", 5)
    viper.SetDefault("sms.circuit_breaker.interval", "60s")
    viper.SetDefault("sms.circuit_breaker.timeout", "30s")
    viper.SetDefault("sms.circuit_breaker.failure_ratio", 0.6)
    viper.SetDefault("sms.circuit_breaker.min_requests", 5)
    viper.SetDefault("sms.org_config_cache_ttl", "30s")

    // Monitoring defaults
    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.metrics.path", "/metrics")
    viper.SetDefault("monitoring.metrics.namespace", "radscheduler")
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.health.liveness_path", "/health/live")
    viper.SetDefault("monitoring.health.readiness_path", "/health/ready")
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
    viper.SetDefault("monitoring.logging.output", "stdout")

    // Security defaults
    viper.SetDefault("security.phone_encryption_key_id", "k1")
    viper.SetDefault("security.tls.enabled", false)
    viper.SetDefault("security.api.enabled", true)
    viper.SetDefault("security.api.cors_enabled", false)

    // Performance defaults
    viper.SetDefault("performance.worker_pool_size", 50)
    viper.SetDefault("performance.queue_size", 500)
}

// Validate validates the configuration
func (c *Config) Validate() error {
    if c.Database.Host == "" {
        return fmt.Errorf("database host is required")
    }
    if c.Database.Port <= 0 || c.Database.Port > 65535 {
        return fmt.Errorf("invalid database port: %d", c.Database.Port)
    }
    if c.Database.Username == "" {
        return fmt.Errorf("database username is required")
    }
    if c.Database.Database == "" {
        return fmt.Errorf("database name is required")
    }

    if c.Inbound.Port <= 0 || c.Inbound.Port > 65535 {
        return fmt.Errorf("invalid inbound port: %d", c.Inbound.Port)
    }

    if c.Redis.Host != "" {
        if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
            return fmt.Errorf("invalid Redis port: %d", c.Redis.Port)
        }
    }

    if c.Security.PhoneHashSalt == "" {
        return fmt.Errorf("security.phone_hash_salt is required")
    }
    if c.Security.PhoneEncryptionKey == "" {
        return fmt.Errorf("security.phone_encryption_key is required")
    }

    if c.Scheduling.SessionTTLHours <= 0 {
        return fmt.Errorf("scheduling.session_ttl_hours must be positive")
    }
    if len(c.SMS.Providers) == 0 {
        return fmt.Errorf("at least one sms provider must be configured")
    }

    if c.Monitoring.Metrics.Enabled {
        if c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535 {
            return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
        }
    }

    if c.Performance.WorkerPoolSize <= 0 {
        return fmt.Errorf("worker pool size must be positive")
    }
    if c.Performance.QueueSize <= 0 {
        return fmt.Errorf("queue size must be positive")
    }

    return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
    charset := c.Charset
    if charset == "" {
        charset = "utf8mb4"
    }

    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=Local",
        c.Username,
        c.Password,
        c.Host,
        c.Port,
        c.Database,
        charset,
    )
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetInboundAddr returns the inbound HTTP server listen address
func (c *InboundConfig) GetInboundAddr() string {
    return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

// SessionTTL returns the configured session TTL as a time.Duration.
func (c *SchedulingConfig) SessionTTL() time.Duration {
    return time.Duration(c.SessionTTLHours) * time.Hour
}

// SlotResponseSLA returns the configured slot-response SLA as a time.Duration.
func (c *SchedulingConfig) SlotResponseSLA() time.Duration {
    return time.Duration(c.SlotResponseSLASeconds) * time.Second
}

// BookingSLA returns the configured booking SLA as a time.Duration.
func (c *SchedulingConfig) BookingSLA() time.Duration {
    return time.Duration(c.BookingSLASeconds) * time.Second
}

// AuditRetention returns the configured audit retention period as a time.Duration.
func (c *SchedulingConfig) AuditRetention() time.Duration {
    return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
    return strings.ToLower(c.Environment) == "production"
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
    return strings.ToLower(c.Environment) == "development"
}
