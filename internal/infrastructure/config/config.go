package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g. AAE_REDIS_URL
const EnvPrefix = "AAE_"

// DefaultConfigPath is consulted when Load is called with an empty path
const DefaultConfigPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"required"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat   string `koanf:"log_format" validate:"oneof=json console"`

	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Threat    ThreatConfig    `koanf:"threat"`
	Trust     TrustConfig     `koanf:"trust"`
	Incident  IncidentConfig  `koanf:"incident"`
	Security  SecurityConfig  `koanf:"security"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	// NotificationsPerSecond throttles outbound incident notifications
	NotificationsPerSecond float64 `koanf:"notifications_per_second"`
	NotificationBurst      int     `koanf:"notification_burst"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// RateLimitRule binds a route prefix to an attempt budget
type RateLimitRule struct {
	Prefix      string        `koanf:"prefix" validate:"required,startswith=/"`
	MaxAttempts int           `koanf:"max_attempts" validate:"gt=0"`
	Window      time.Duration `koanf:"window" validate:"gt=0"`
}

type RateLimitConfig struct {
	Rules             []RateLimitRule `koanf:"rules" validate:"required,min=1,dive"`
	SensitiveGetPaths []string        `koanf:"sensitive_get_paths"`
	CleanupInterval   time.Duration   `koanf:"cleanup_interval" validate:"gt=0"`
	// BreakerFailures is the number of consecutive primary store failures
	// before the counter store stops calling Redis for BreakerCooldown.
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
}

type ThreatConfig struct {
	BruteForceThreshold   int64         `koanf:"brute_force_threshold" validate:"gt=0"`
	BruteForceWindow      time.Duration `koanf:"brute_force_window" validate:"gt=0"`
	RapidRequestThreshold int64         `koanf:"rapid_request_threshold" validate:"gt=0"`
	RapidRequestWindow    time.Duration `koanf:"rapid_request_window" validate:"gt=0"`
	ExfiltrationThreshold int64         `koanf:"exfiltration_threshold" validate:"gt=0"`
	ExfiltrationWindow    time.Duration `koanf:"exfiltration_window" validate:"gt=0"`
	// Inclusive local hours; a start after end crosses midnight
	BusinessHourStart     int           `koanf:"business_hour_start" validate:"gte=0,lte=23"`
	BusinessHourEnd       int           `koanf:"business_hour_end" validate:"gte=0,lte=23"`
	TimeZone              string        `koanf:"timezone"`
	BaselineCacheSize     int           `koanf:"baseline_cache_size" validate:"gt=0"`

	Workers   int `koanf:"workers" validate:"gt=0"`
	QueueSize int `koanf:"queue_size" validate:"gt=0"`

	MonitorInterval        time.Duration `koanf:"monitor_interval" validate:"gt=0"`
	MonitorLookback        time.Duration `koanf:"monitor_lookback" validate:"gt=0"`
	CoordinatedActorsPerIP int           `koanf:"coordinated_actors_per_ip" validate:"gt=1"`
}

type TrustConfig struct {
	SessionTrustTTL    time.Duration `koanf:"session_trust_ttl" validate:"gt=0"`
	BaseSessionTimeout time.Duration `koanf:"base_session_timeout" validate:"gt=0"`
	AdminRoles         []string      `koanf:"admin_roles"`
}

type IncidentConfig struct {
	Store              string        `koanf:"store" validate:"oneof=redis postgres"`
	RetentionTTL       time.Duration `koanf:"retention_ttl" validate:"gt=0"`
	DedupWindow        time.Duration `koanf:"dedup_window" validate:"gt=0"`
	EscalationInterval time.Duration `koanf:"escalation_interval" validate:"gt=0"`
	EscalateCritical   time.Duration `koanf:"escalate_critical_after" validate:"gt=0"`
	EscalateHigh       time.Duration `koanf:"escalate_high_after" validate:"gt=0"`
	AutoResolveAfter   time.Duration `koanf:"auto_resolve_after" validate:"gt=0"`
	IPBlockTTL         time.Duration `koanf:"ip_block_ttl" validate:"gt=0"`
	AccountLockTTL     time.Duration `koanf:"account_lock_ttl" validate:"gt=0"`
	ResponseQueueSize  int           `koanf:"response_queue_size" validate:"gt=0"`
}

type SecurityConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	JWTIssuer string `koanf:"jwt_issuer"`
}

// Defaults returns the baseline configuration. Rule values follow the
// authentication endpoints the gateway fronts.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		LogFormat:   "json",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     20,
			MinIdleConns: 2,
			MaxRetries:   1,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsPath:  "file://migrations",
		},
		NATS: NATSConfig{
			SubjectPrefix:          "security.incidents",
			NotificationsPerSecond: 10,
			NotificationBurst:      20,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Rules: []RateLimitRule{
				{Prefix: "/api/v1/auth/login", MaxAttempts: 5, Window: 15 * time.Minute},
				{Prefix: "/api/v1/auth/register", MaxAttempts: 5, Window: 15 * time.Minute},
				{Prefix: "/api/v1/auth/request-password-reset", MaxAttempts: 5, Window: 15 * time.Minute},
				{Prefix: "/api/v1/auth/reset-password", MaxAttempts: 5, Window: 15 * time.Minute},
				{Prefix: "/api/v1/auth/verify", MaxAttempts: 10, Window: 15 * time.Minute},
				{Prefix: "/api/v1/auth/oauth2/callback", MaxAttempts: 10, Window: 15 * time.Minute},
				{Prefix: "/api/v1/auth", MaxAttempts: 30, Window: time.Minute},
			},
			SensitiveGetPaths: []string{"/api/v1/auth/verify", "/api/v1/auth/oauth2/callback"},
			CleanupInterval:   30 * time.Minute,
			BreakerFailures:   3,
			BreakerCooldown:   10 * time.Second,
		},
		Threat: ThreatConfig{
			BruteForceThreshold:    5,
			BruteForceWindow:       15 * time.Minute,
			RapidRequestThreshold:  20,
			RapidRequestWindow:     time.Minute,
			ExfiltrationThreshold:  10,
			ExfiltrationWindow:     time.Hour,
			BusinessHourStart:      6,
			BusinessHourEnd:        22,
			TimeZone:               "UTC",
			BaselineCacheSize:      100000,
			Workers:                4,
			QueueSize:              1024,
			MonitorInterval:        30 * time.Second,
			MonitorLookback:        5 * time.Minute,
			CoordinatedActorsPerIP: 5,
		},
		Trust: TrustConfig{
			SessionTrustTTL:    24 * time.Hour,
			BaseSessionTimeout: 30 * time.Minute,
			AdminRoles:         []string{"admin", "security_admin"},
		},
		Incident: IncidentConfig{
			Store:              "redis",
			RetentionTTL:       30 * 24 * time.Hour,
			DedupWindow:        15 * time.Minute,
			EscalationInterval: time.Minute,
			EscalateCritical:   15 * time.Minute,
			EscalateHigh:       time.Hour,
			AutoResolveAfter:   24 * time.Hour,
			IPBlockTTL:         24 * time.Hour,
			AccountLockTTL:     time.Hour,
			ResponseQueueSize:  512,
		},
		Security: SecurityConfig{
			JWTIssuer: "adaptive-auth",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// AAE_-prefixed environment variables, in that order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	// The default file is optional; an explicitly requested one is not.
	if _, err := os.Stat(path); explicit || err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Threat.TimeZone != "" {
		if _, err := time.LoadLocation(c.Threat.TimeZone); err != nil {
			return fmt.Errorf("invalid configuration: threat.timezone: %w", err)
		}
	}
	if c.Incident.Store == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("invalid configuration: database.url is required when incident.store is postgres")
	}
	return nil
}
