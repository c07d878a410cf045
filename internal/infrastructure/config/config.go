package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/davidleathers/healthcare-audit-pipeline/internal/domain/errors"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Cache        CacheConfig        `koanf:"cache"`
	Partitioning PartitioningConfig `koanf:"partitioning"`
	Monitoring   MonitoringConfig   `koanf:"monitoring"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Processor    ProcessorConfig    `koanf:"processor"`
	Validation   ValidationConfig   `koanf:"validation"`
	Security     SecurityConfig     `koanf:"security"`
	Export       ExportConfig       `koanf:"export"`
}

type DatabaseConfig struct {
	URL                 string        `koanf:"url"`
	PoolSize            int           `koanf:"pool_size"`
	MinPoolSize         int           `koanf:"min_pool_size"`
	ConnectionTimeout   time.Duration `koanf:"connection_timeout"`
	AcquireTimeout      time.Duration `koanf:"acquire_timeout"`
	AcquireRetries      int           `koanf:"acquire_retries"`
	AcquireRetryDelay   time.Duration `koanf:"acquire_retry_delay"`
	IdleTimeout         time.Duration `koanf:"idle_timeout"`
	ConnMaxLifetime     time.Duration `koanf:"conn_max_lifetime"`
	StatementTimeout    time.Duration `koanf:"statement_timeout"`
	ValidateConnections bool          `koanf:"validate_connections"`
	SSL                 bool          `koanf:"ssl"`

	Replicas ReplicaConfig `koanf:"replicas"`
}

// ReplicaConfig drives the read-replica router. Weights are positional and
// only consulted by the weighted policy.
type ReplicaConfig struct {
	URLs                []string      `koanf:"urls"`
	Policy              string        `koanf:"policy"` // round_robin, weighted, least_latency
	Weights             []int         `koanf:"weights"`
	MaxLag              time.Duration `koanf:"max_lag"`
	FallbackToMaster    bool          `koanf:"fallback_to_master"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type CacheConfig struct {
	Enabled       bool          `koanf:"enabled"`
	MaxSizeMB     int           `koanf:"max_size_mb"`
	DefaultTTL    time.Duration `koanf:"default_ttl"`
	MaxQueries    int           `koanf:"max_queries"`
	KeyPrefix     string        `koanf:"key_prefix"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type PartitioningConfig struct {
	Strategy            string        `koanf:"strategy"` // range
	Interval            string        `koanf:"interval"` // monthly, quarterly, yearly
	RetentionDays       int           `koanf:"retention_days"`
	AutoMaintenance     bool          `koanf:"auto_maintenance"`
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`
	PremakePeriods      int           `koanf:"premake_periods"`
}

type MonitoringConfig struct {
	Enabled              bool          `koanf:"enabled"`
	SlowQueryThreshold   time.Duration `koanf:"slow_query_threshold"`
	MetricsRetentionDays int           `koanf:"metrics_retention_days"`
	AutoOptimization     bool          `koanf:"auto_optimization"`
	ReportInterval       time.Duration `koanf:"report_interval"`
	UnusedIndexSizeMB    int           `koanf:"unused_index_size_mb"`
}

// TelemetryConfig covers process observability: OTLP trace export and the
// Prometheus scrape listener. An empty metrics_addr disables the listener.
type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
	MetricsAddr   string        `koanf:"metrics_addr"`
}

type ProcessorConfig struct {
	QueueName       string        `koanf:"queue_name"`
	Concurrency     int           `koanf:"concurrency"`
	EnqueueTimeout  time.Duration `koanf:"enqueue_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	HandlerTimeout  time.Duration `koanf:"handler_timeout"`
	Persistent      bool          `koanf:"persistent"`

	Retry   RetryConfig   `koanf:"retry"`
	Breaker BreakerConfig `koanf:"breaker"`
	DLQ     DLQConfig     `koanf:"dlq"`
}

type RetryConfig struct {
	MaxRetries      int           `koanf:"max_retries"`
	Strategy        string        `koanf:"strategy"` // fixed, linear, exponential
	BaseDelay       time.Duration `koanf:"base_delay"`
	MaxDelay        time.Duration `koanf:"max_delay"`
	Jitter          bool          `koanf:"jitter"`
	RetryableErrors []string      `koanf:"retryable_errors"`
}

type BreakerConfig struct {
	FailureThreshold  int           `koanf:"failure_threshold"`
	MinimumThroughput int           `koanf:"minimum_throughput"`
	RecoveryTimeout   time.Duration `koanf:"recovery_timeout"`
}

type DLQConfig struct {
	Storage            string        `koanf:"storage"` // redis, postgres
	MaxRetentionDays   int           `koanf:"max_retention_days"`
	AlertThreshold     int64         `koanf:"alert_threshold"`
	AlertRatePerMinute float64       `koanf:"alert_rate_per_minute"`
	MaxSize            int64         `koanf:"max_size"`
	AlertInterval      time.Duration `koanf:"alert_interval"`
}

type ValidationConfig struct {
	MaxStringLength     int      `koanf:"max_string_length"`
	MaxCustomFieldDepth int      `koanf:"max_custom_field_depth"`
	KnownEventVersions  []string `koanf:"known_event_versions"`
}

type SecurityConfig struct {
	EncryptionKey    string `koanf:"encryption_key"`
	SessionSecret    string `koanf:"session_secret"`
	SigningEnabled   bool   `koanf:"signing_enabled"`
	GenerateHash     bool   `koanf:"generate_hash"`
	PseudonymPrefix  string `koanf:"pseudonym_prefix"`
}

type ExportConfig struct {
	DefaultFormat string           `koanf:"default_format"` // json, csv, xml, pdf
	Compression   string           `koanf:"compression"`    // "", gzip, zip
	Encryption    EncryptionConfig `koanf:"encryption"`
	MaxPDFEvents  int              `koanf:"max_pdf_events"`
}

type EncryptionConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Algorithm string `koanf:"algorithm"` // AES-256-GCM
	KeyID     string `koanf:"key_id"`
}

// Load builds the configuration from defaults, an optional YAML file, and
// AUDIT_-prefixed environment variables, in that order of precedence.
func Load() (*Config, error) {
	return LoadFromFile("configs/config.yaml")
}

// LoadFromFile is Load with an explicit config file path (CLI --config).
func LoadFromFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional; missing file falls through to env.
	if path != "" {
		_ = k.Load(file.Provider(path), yaml.Parser())
	}

	if err := k.Load(env.Provider("AUDIT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "AUDIT_")), "_", ".", -1)
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

func defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			PoolSize:            25,
			MinPoolSize:         5,
			ConnectionTimeout:   10 * time.Second,
			AcquireTimeout:      5 * time.Second,
			AcquireRetries:      2,
			AcquireRetryDelay:   100 * time.Millisecond,
			IdleTimeout:         5 * time.Minute,
			ConnMaxLifetime:     30 * time.Minute,
			StatementTimeout:    30 * time.Second,
			ValidateConnections: true,
			Replicas: ReplicaConfig{
				Policy:              "round_robin",
				MaxLag:              10 * time.Second,
				FallbackToMaster:    true,
				HealthCheckInterval: 30 * time.Second,
			},
		},
		Redis: RedisConfig{
			URL: "localhost:6379",
			DB:  0,
		},
		Cache: CacheConfig{
			Enabled:       true,
			MaxSizeMB:     100,
			DefaultTTL:    5 * time.Minute,
			MaxQueries:    1000,
			KeyPrefix:     "audit:query:",
			SweepInterval: time.Minute,
		},
		Partitioning: PartitioningConfig{
			Strategy:            "range",
			Interval:            "monthly",
			RetentionDays:       2555, // 7 years, HIPAA floor
			AutoMaintenance:     true,
			MaintenanceInterval: 24 * time.Hour,
			PremakePeriods:      2,
		},
		Monitoring: MonitoringConfig{
			Enabled:              true,
			SlowQueryThreshold:   time.Second,
			MetricsRetentionDays: 1,
			AutoOptimization:     false,
			ReportInterval:       5 * time.Minute,
			UnusedIndexSizeMB:    10,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
			MetricsAddr:   ":9090",
		},
		Processor: ProcessorConfig{
			QueueName:       "audit-events",
			Concurrency:     4,
			EnqueueTimeout:  5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HandlerTimeout:  time.Minute,
			Persistent:      true,
			Retry: RetryConfig{
				MaxRetries: 3,
				Strategy:   "exponential",
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   10 * time.Second,
				Jitter:     true,
			},
			Breaker: BreakerConfig{
				FailureThreshold:  5,
				MinimumThroughput: 5,
				RecoveryTimeout:   30 * time.Second,
			},
			DLQ: DLQConfig{
				Storage:            "redis",
				MaxRetentionDays:   30,
				AlertThreshold:     100,
				AlertRatePerMinute: 30,
				MaxSize:            10000,
				AlertInterval:      time.Minute,
			},
		},
		Validation: ValidationConfig{
			MaxStringLength:     10000,
			MaxCustomFieldDepth: 5,
			KnownEventVersions:  []string{"1.0"},
		},
		Security: SecurityConfig{
			GenerateHash:    true,
			PseudonymPrefix: "redacted",
		},
		Export: ExportConfig{
			DefaultFormat: "json",
			Encryption: EncryptionConfig{
				Algorithm: "AES-256-GCM",
			},
			MaxPDFEvents: 100,
		},
	}
}

// Validate checks every enumerated setting; the process must refuse to start
// on a bad configuration rather than limp.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.NewConfigError("database.url", "database.url is required")
	}
	if c.Database.PoolSize < 1 {
		return errors.NewConfigError("database.pool_size", "database.pool_size must be at least 1")
	}
	if c.Database.MinPoolSize < 0 || c.Database.MinPoolSize > c.Database.PoolSize {
		return errors.NewConfigError("database.min_pool_size",
			"database.min_pool_size must be between 0 and database.pool_size")
	}

	switch c.Database.Replicas.Policy {
	case "round_robin", "weighted", "least_latency":
	default:
		return errors.NewConfigError("database.replicas.policy",
			fmt.Sprintf("unknown replica policy %q", c.Database.Replicas.Policy))
	}
	if c.Database.Replicas.Policy == "weighted" &&
		len(c.Database.Replicas.Weights) != len(c.Database.Replicas.URLs) {
		return errors.NewConfigError("database.replicas.weights",
			"weighted policy requires one weight per replica url")
	}

	if c.Cache.Enabled {
		if c.Cache.MaxSizeMB < 1 {
			return errors.NewConfigError("cache.max_size_mb", "cache.max_size_mb must be at least 1")
		}
		if c.Cache.MaxQueries < 1 {
			return errors.NewConfigError("cache.max_queries", "cache.max_queries must be at least 1")
		}
		if c.Cache.DefaultTTL <= 0 {
			return errors.NewConfigError("cache.default_ttl", "cache.default_ttl must be positive")
		}
	}

	if c.Partitioning.Strategy != "range" {
		return errors.NewConfigError("partitioning.strategy",
			fmt.Sprintf("unknown partitioning strategy %q", c.Partitioning.Strategy))
	}
	switch c.Partitioning.Interval {
	case "monthly", "quarterly", "yearly":
	default:
		return errors.NewConfigError("partitioning.interval",
			fmt.Sprintf("unknown partitioning interval %q", c.Partitioning.Interval))
	}
	if c.Partitioning.RetentionDays < 1 {
		return errors.NewConfigError("partitioning.retention_days",
			"partitioning.retention_days must be at least 1")
	}

	if c.Monitoring.SlowQueryThreshold <= 0 {
		return errors.NewConfigError("monitoring.slow_query_threshold",
			"monitoring.slow_query_threshold must be positive")
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return errors.NewConfigError("telemetry.sampling_rate",
			"telemetry.sampling_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return errors.NewConfigError("telemetry.otlp_endpoint",
			"telemetry.otlp_endpoint is required when telemetry is enabled")
	}

	if c.Processor.QueueName == "" {
		return errors.NewConfigError("processor.queue_name", "processor.queue_name is required")
	}
	if c.Processor.Concurrency < 1 {
		return errors.NewConfigError("processor.concurrency", "processor.concurrency must be at least 1")
	}
	switch c.Processor.Retry.Strategy {
	case "fixed", "linear", "exponential":
	default:
		return errors.NewConfigError("processor.retry.strategy",
			fmt.Sprintf("unknown retry strategy %q", c.Processor.Retry.Strategy))
	}
	if c.Processor.Retry.MaxRetries < 0 {
		return errors.NewConfigError("processor.retry.max_retries",
			"processor.retry.max_retries cannot be negative")
	}
	if c.Processor.Retry.BaseDelay <= 0 {
		return errors.NewConfigError("processor.retry.base_delay",
			"processor.retry.base_delay must be positive")
	}
	if c.Processor.Retry.MaxDelay < c.Processor.Retry.BaseDelay {
		return errors.NewConfigError("processor.retry.max_delay",
			"processor.retry.max_delay must be at least base_delay")
	}
	if c.Processor.Breaker.FailureThreshold < 1 {
		return errors.NewConfigError("processor.breaker.failure_threshold",
			"processor.breaker.failure_threshold must be at least 1")
	}
	if c.Processor.Breaker.MinimumThroughput < 1 {
		return errors.NewConfigError("processor.breaker.minimum_throughput",
			"processor.breaker.minimum_throughput must be at least 1")
	}
	if c.Processor.Breaker.RecoveryTimeout <= 0 {
		return errors.NewConfigError("processor.breaker.recovery_timeout",
			"processor.breaker.recovery_timeout must be positive")
	}
	switch c.Processor.DLQ.Storage {
	case "redis", "postgres":
	default:
		return errors.NewConfigError("processor.dlq.storage",
			fmt.Sprintf("unknown dead letter storage %q", c.Processor.DLQ.Storage))
	}

	if c.Validation.MaxStringLength < 1 {
		return errors.NewConfigError("validation.max_string_length",
			"validation.max_string_length must be at least 1")
	}
	if c.Validation.MaxCustomFieldDepth < 1 {
		return errors.NewConfigError("validation.max_custom_field_depth",
			"validation.max_custom_field_depth must be at least 1")
	}

	if c.Security.EncryptionKey != "" && len(c.Security.EncryptionKey) < 32 {
		return errors.NewConfigError("security.encryption_key",
			"security.encryption_key must be at least 32 characters")
	}
	if c.Security.SessionSecret != "" && len(c.Security.SessionSecret) < 32 {
		return errors.NewConfigError("security.session_secret",
			"security.session_secret must be at least 32 characters")
	}
	if c.Security.SigningEnabled && c.Security.SessionSecret == "" {
		return errors.NewConfigError("security.session_secret",
			"security.session_secret is required when signing is enabled")
	}

	switch c.Export.DefaultFormat {
	case "json", "csv", "xml", "pdf":
	default:
		return errors.NewConfigError("export.default_format",
			fmt.Sprintf("unknown export format %q", c.Export.DefaultFormat))
	}
	switch c.Export.Compression {
	case "", "gzip", "zip":
	default:
		return errors.NewConfigError("export.compression",
			fmt.Sprintf("unknown compression %q", c.Export.Compression))
	}
	if c.Export.Encryption.Enabled {
		if c.Export.Encryption.Algorithm != "AES-256-GCM" {
			return errors.NewConfigError("export.encryption.algorithm",
				"only AES-256-GCM is supported")
		}
		if len(c.Security.EncryptionKey) < 32 {
			return errors.NewConfigError("security.encryption_key",
				"export encryption requires security.encryption_key of at least 32 characters")
		}
	}
	if c.Export.MaxPDFEvents < 1 {
		return errors.NewConfigError("export.max_pdf_events",
			"export.max_pdf_events must be at least 1")
	}

	return nil
}

// IsProduction reports whether the process runs with production hardening.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
