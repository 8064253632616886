package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	AWS           AWSConfig           `yaml:"aws"`
	Lease         LeaseConfig         `yaml:"lease"`
	Console       ConsoleConfig       `yaml:"console"`
	Auth          AuthConfig          `yaml:"auth"`
	Cache         CacheConfig         `yaml:"cache"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AWSConfig holds shared AWS client settings. Endpoint overrides the SDK's
// resolved endpoint, which makes local stacks usable in development.
type AWSConfig struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LeaseConfig holds role lease settings.
type LeaseConfig struct {
	TableName          string        `yaml:"table_name"`
	TTL                time.Duration `yaml:"ttl"`
	RolePrefix         string        `yaml:"role_prefix"`
	RolePath           string        `yaml:"role_path"`
	MaxSessionDuration int32         `yaml:"max_session_duration"`
	SweepSchedule      string        `yaml:"sweep_schedule"`
}

// ConsoleConfig holds federation sign-in settings.
type ConsoleConfig struct {
	Issuer          string        `yaml:"issuer"`
	Endpoint        string        `yaml:"endpoint"`
	Destination     string        `yaml:"destination"`
	SessionDuration time.Duration `yaml:"session_duration"`
}

// AuthConfig holds request authentication settings. When OIDCIssuer is set,
// bearer tokens are verified; otherwise the trusted header is used as-is and
// the deployment must sit behind an authenticating proxy.
type AuthConfig struct {
	UsernameHeader string `yaml:"username_header"`
	OIDCIssuer     string `yaml:"oidc_issuer"`
	OIDCClientID   string `yaml:"oidc_client_id"`
	UsernameClaim  string `yaml:"username_claim"`
}

// CacheConfig holds user-existence cache settings. RedisURL empty means the
// in-process LRU is used.
type CacheConfig struct {
	RedisURL      string        `yaml:"redis_url"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	LRUSize       int           `yaml:"lru_size"`
	TTL           time.Duration `yaml:"ttl"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel           string `yaml:"log_level"`
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// LoadConfig loads configuration from environment variables. When
// LARIAT_CONFIG_FILE names a YAML file, its values are applied first and
// environment variables override them.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("LARIAT_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Lease: LeaseConfig{
			TableName:          "lariat_leases",
			TTL:                24 * time.Hour,
			RolePrefix:         "console-",
			RolePath:           "/lariat/",
			MaxSessionDuration: 43200,
			SweepSchedule:      "@every 1h",
		},
		Console: ConsoleConfig{
			SessionDuration: time.Hour,
		},
		Auth: AuthConfig{
			UsernameHeader: "X-Forwarded-User",
			UsernameClaim:  "preferred_username",
		},
		Cache: CacheConfig{
			LRUSize: 1024,
			TTL:     5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "lariat",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("LARIAT_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("LARIAT_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("LARIAT_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("LARIAT_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("LARIAT_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("LARIAT_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.AWS.Region = getEnv("LARIAT_AWS_REGION", cfg.AWS.Region)
	cfg.AWS.Endpoint = getEnv("LARIAT_AWS_ENDPOINT", cfg.AWS.Endpoint)
	cfg.AWS.AccessKey = getEnv("LARIAT_AWS_ACCESS_KEY", cfg.AWS.AccessKey)
	cfg.AWS.SecretKey = getEnv("LARIAT_AWS_SECRET_KEY", cfg.AWS.SecretKey)

	cfg.Lease.TableName = getEnv("LARIAT_LEASE_TABLE", cfg.Lease.TableName)
	cfg.Lease.TTL = getEnvDuration("LARIAT_LEASE_TTL", cfg.Lease.TTL)
	cfg.Lease.RolePrefix = getEnv("LARIAT_ROLE_PREFIX", cfg.Lease.RolePrefix)
	cfg.Lease.RolePath = getEnv("LARIAT_ROLE_PATH", cfg.Lease.RolePath)
	cfg.Lease.MaxSessionDuration = int32(getEnvInt("LARIAT_MAX_SESSION_DURATION", int(cfg.Lease.MaxSessionDuration)))
	cfg.Lease.SweepSchedule = getEnv("LARIAT_SWEEP_SCHEDULE", cfg.Lease.SweepSchedule)

	cfg.Console.Issuer = getEnv("LARIAT_CONSOLE_ISSUER", cfg.Console.Issuer)
	cfg.Console.Endpoint = getEnv("LARIAT_FEDERATION_ENDPOINT", cfg.Console.Endpoint)
	cfg.Console.Destination = getEnv("LARIAT_CONSOLE_DESTINATION", cfg.Console.Destination)
	cfg.Console.SessionDuration = getEnvDuration("LARIAT_CONSOLE_SESSION_DURATION", cfg.Console.SessionDuration)

	cfg.Auth.UsernameHeader = getEnv("LARIAT_USERNAME_HEADER", cfg.Auth.UsernameHeader)
	cfg.Auth.OIDCIssuer = getEnv("LARIAT_OIDC_ISSUER", cfg.Auth.OIDCIssuer)
	cfg.Auth.OIDCClientID = getEnv("LARIAT_OIDC_CLIENT_ID", cfg.Auth.OIDCClientID)
	cfg.Auth.UsernameClaim = getEnv("LARIAT_OIDC_USERNAME_CLAIM", cfg.Auth.UsernameClaim)

	cfg.Cache.RedisURL = getEnv("LARIAT_REDIS_URL", cfg.Cache.RedisURL)
	cfg.Cache.RedisPassword = getEnv("LARIAT_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = getEnvInt("LARIAT_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.LRUSize = getEnvInt("LARIAT_CACHE_LRU_SIZE", cfg.Cache.LRUSize)
	cfg.Cache.TTL = getEnvDuration("LARIAT_CACHE_TTL", cfg.Cache.TTL)

	cfg.Observability.LogLevel = getEnv("LARIAT_LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.MetricsEnabled = getEnvBool("LARIAT_METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	cfg.Observability.OTelEnabled = getEnvBool("LARIAT_OTEL_ENABLED", cfg.Observability.OTelEnabled)
	cfg.Observability.OTelEndpoint = getEnv("LARIAT_OTEL_ENDPOINT", cfg.Observability.OTelEndpoint)
	cfg.Observability.OTelServiceName = getEnv("LARIAT_OTEL_SERVICE_NAME", cfg.Observability.OTelServiceName)
	cfg.Observability.OTelServiceVersion = getEnv("LARIAT_OTEL_SERVICE_VERSION", cfg.Observability.OTelServiceVersion)
	cfg.Observability.OTelInsecure = getEnvBool("LARIAT_OTEL_INSECURE", cfg.Observability.OTelInsecure)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Lease.TableName == "" {
		return fmt.Errorf("lease table name is required")
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease TTL must be positive")
	}
	if c.Lease.RolePrefix == "" {
		return fmt.Errorf("role prefix is required")
	}
	if c.Lease.MaxSessionDuration < 3600 || c.Lease.MaxSessionDuration > 43200 {
		return fmt.Errorf("max session duration must be between 3600 and 43200 seconds")
	}
	if c.AWS.Region == "" {
		return fmt.Errorf("AWS region is required")
	}
	if (c.AWS.AccessKey == "") != (c.AWS.SecretKey == "") {
		return fmt.Errorf("AWS access key and secret key must be set together")
	}
	if c.Auth.OIDCIssuer != "" && c.Auth.OIDCClientID == "" {
		return fmt.Errorf("OIDC client ID is required when an OIDC issuer is set")
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// LoadAWSConfig builds the shared aws.Config. Static credentials are used
// when configured, otherwise the default credential chain applies.
func (c *Config) LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	var awsCfg aws.Config
	var err error

	if c.AWS.AccessKey != "" && c.AWS.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(c.AWS.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				c.AWS.AccessKey,
				c.AWS.SecretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(c.AWS.Region),
		)
	}
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
