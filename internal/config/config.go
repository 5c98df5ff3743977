// Package config provides configuration management for the PRISMA review service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Tracker modes.
const (
	// TrackerModePermissive applies out-of-graph status changes and reports them.
	TrackerModePermissive = "permissive"
	// TrackerModeStrict rejects out-of-graph status changes.
	TrackerModeStrict = "strict"
)

// envPrefix is the prefix of every environment variable read by the service.
const envPrefix = "PRISMA"

// Config holds all configuration for the PRISMA review service.
type Config struct {
	// Server contains HTTP/gRPC server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Importer contains batch import settings.
	Importer ImporterConfig `mapstructure:"importer"`
	// Resource contains host resource monitor thresholds.
	Resource ResourceConfig `mapstructure:"resource"`
	// Tracker contains study stage tracker settings.
	Tracker TrackerConfig `mapstructure:"tracker"`
	// PubMed contains PubMed E-utilities settings.
	PubMed PubMedConfig `mapstructure:"pubmed"`
	// Kafka contains domain event publisher settings.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Archive contains S3 export archive settings.
	Archive ArchiveConfig `mapstructure:"archive"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// GRPCPort is the gRPC health server port (default: 9090).
	GRPCPort int `mapstructure:"grpc_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	// Large imports run inside the request, so this is generous by default.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxBodyBytes caps the size of request bodies (import payloads included).
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 20).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 2).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is a directory of migration files for cmd/migrate. Empty uses the embedded set.
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
	// StatementCacheCapacity is the size of the prepared statement cache.
	StatementCacheCapacity int `mapstructure:"statement_cache_capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// ImporterConfig holds batch importer settings.
type ImporterConfig struct {
	// BatchSize is the number of candidates written per transaction (default: 1000).
	BatchSize int `mapstructure:"batch_size"`
	// ChunkSize is the number of candidates processed per chunk (default: 50000).
	ChunkSize int `mapstructure:"chunk_size"`
	// ChunkPause is the pause taken between chunks (default: 1s).
	ChunkPause time.Duration `mapstructure:"chunk_pause"`
	// UnhealthyPause is the pause taken before a batch when resources are low (default: 5s).
	UnhealthyPause time.Duration `mapstructure:"unhealthy_pause"`
}

// ResourceConfig holds host resource monitor thresholds.
type ResourceConfig struct {
	// CPUThreshold is the CPU utilisation percentage at or above which the host is unhealthy.
	CPUThreshold float64 `mapstructure:"cpu_threshold"`
	// MemoryThreshold is the memory utilisation percentage at or above which the host is unhealthy.
	MemoryThreshold float64 `mapstructure:"memory_threshold"`
}

// TrackerConfig holds stage tracker settings.
type TrackerConfig struct {
	// Mode is either "permissive" or "strict".
	Mode string `mapstructure:"mode"`
}

// PubMedConfig holds PubMed E-utilities settings.
type PubMedConfig struct {
	// Enabled controls whether the PubMed import endpoint is active.
	Enabled bool `mapstructure:"enabled"`
	// APIKey is the NCBI API key (loaded from PRISMA_PUBMED_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// BaseURL is the E-utilities base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the timeout for API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// MaxResults is the default maximum number of records fetched per query.
	MaxResults int `mapstructure:"max_results"`
	// Tool and Email identify the client to NCBI.
	Tool  string `mapstructure:"tool"`
	Email string `mapstructure:"email"`
}

// KafkaConfig holds Kafka publisher settings for domain events.
type KafkaConfig struct {
	// Enabled controls whether Kafka publishing is active.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic is the Kafka topic to publish events to.
	Topic string `mapstructure:"topic"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// ArchiveConfig holds settings for the S3-compatible export archive.
type ArchiveConfig struct {
	// Enabled controls whether exports can be archived.
	Enabled bool `mapstructure:"enabled"`
	// Endpoint overrides the S3 endpoint (for MinIO and other S3-compatible stores).
	Endpoint string `mapstructure:"endpoint"`
	// Region is the bucket region.
	Region string `mapstructure:"region"`
	// Bucket is the destination bucket.
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix"`
	// UsePathStyle enables path-style addressing.
	UsePathStyle bool `mapstructure:"use_path_style"`
	// AccessKey and SecretKey are loaded from PRISMA_ARCHIVE_ACCESS_KEY and
	// PRISMA_ARCHIVE_SECRET_KEY. When empty the default AWS credential chain is used.
	AccessKey string `mapstructure:"-"`
	SecretKey string `mapstructure:"-"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// GRPCAddress returns the gRPC server address.
func (c *ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// Load loads configuration from a .env file, environment variables and config files.
func Load() (*Config, error) {
	// A .env file is a convenience for local development; its absence is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if present
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/prisma-review-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Load secrets exclusively from environment variables.
	// These fields use mapstructure:"-" to prevent loading from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
func loadSecrets(cfg *Config) {
	cfg.PubMed.APIKey = os.Getenv(envPrefix + "_PUBMED_API_KEY")
	cfg.Archive.AccessKey = os.Getenv(envPrefix + "_ARCHIVE_ACCESS_KEY")
	cfg.Archive.SecretKey = os.Getenv(envPrefix + "_ARCHIVE_SECRET_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 256<<20)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "prisma")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "prisma_reviews")
	// Default to "require" for production security. Use PRISMA_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Importer defaults
	v.SetDefault("importer.batch_size", 1000)
	v.SetDefault("importer.chunk_size", 50000)
	v.SetDefault("importer.chunk_pause", "1s")
	v.SetDefault("importer.unhealthy_pause", "5s")

	// Resource monitor defaults
	v.SetDefault("resource.cpu_threshold", 90.0)
	v.SetDefault("resource.memory_threshold", 90.0)

	// Tracker defaults
	v.SetDefault("tracker.mode", TrackerModePermissive)

	// PubMed defaults
	v.SetDefault("pubmed.enabled", true)
	v.SetDefault("pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("pubmed.timeout", "30s")
	v.SetDefault("pubmed.rate_limit", 3.0) // NCBI recommends max 3 req/sec without API key
	v.SetDefault("pubmed.max_results", 500)
	v.SetDefault("pubmed.tool", "prisma-review-service")
	v.SetDefault("pubmed.email", "")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "events.prisma_review_service")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "prisma-exports")
	v.SetDefault("archive.use_path_style", false)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate server ports
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	// Validate database config
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate importer config
	if c.Importer.BatchSize <= 0 {
		return fmt.Errorf("importer batch_size must be positive")
	}
	if c.Importer.ChunkSize <= 0 {
		return fmt.Errorf("importer chunk_size must be positive")
	}
	if c.Importer.ChunkPause < 0 || c.Importer.UnhealthyPause < 0 {
		return fmt.Errorf("importer pauses must not be negative")
	}

	// Validate resource thresholds
	if c.Resource.CPUThreshold <= 0 || c.Resource.CPUThreshold > 100 {
		return fmt.Errorf("resource cpu_threshold must be in (0, 100]")
	}
	if c.Resource.MemoryThreshold <= 0 || c.Resource.MemoryThreshold > 100 {
		return fmt.Errorf("resource memory_threshold must be in (0, 100]")
	}

	// Validate tracker mode
	switch strings.ToLower(c.Tracker.Mode) {
	case TrackerModePermissive, TrackerModeStrict:
	default:
		return fmt.Errorf("invalid tracker mode: %s", c.Tracker.Mode)
	}

	if c.PubMed.Enabled && c.PubMed.MaxResults <= 0 {
		return fmt.Errorf("pubmed max_results must be positive")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic is required when kafka is enabled")
		}
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive bucket is required when archive is enabled")
	}

	return nil
}
