package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backends
const (
	CacheBackendMemory   = "memory"
	CacheBackendPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	Permissions PermissionsConfig
	Server      ServerConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	Log         LogConfig
}

// PermissionsConfig describes the upstream permissions service.
type PermissionsConfig struct {
	ServiceURL   string // Empty is allowed here; evaluations then fail with a configuration error
	Timeout      time.Duration
	RetryMax     int
	StrictSchema bool
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host        string
	Port        int
	MetricsPort int // Port for Prometheus metrics HTTP server
}

// CacheConfig represents the shared permissions cache configuration
type CacheConfig struct {
	Enabled        bool
	Backend        string // memory or postgres
	MaxMemoryBytes int64  // memory backend only
	TTL            time.Duration
	Metrics        bool
	SyncEnabled    bool // Propagate invalidations between instances via LISTEN/NOTIFY
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	AutoMigrate bool // Apply pending migrations at server startup
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string
}

// NeedsDatabase reports whether any enabled feature requires PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	if !c.Cache.Enabled {
		return false
	}
	return c.Cache.Backend == CacheBackendPostgres || c.Cache.SyncEnabled
}

// ProjectRoot finds the project root directory by looking for go.mod
func ProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// InitConfig initializes viper configuration
// env: environment name (dev, test, prod)
func InitConfig(env string) error {
	if env == "" {
		env = "dev"
	}

	viper.SetConfigName(fmt.Sprintf(".env.%s", env))
	viper.SetConfigType("env")

	// Deployed binaries run without a source tree, so a missing go.mod only
	// means there is no config file to read.
	if projectRoot, err := ProjectRoot(); err == nil {
		viper.AddConfigPath(projectRoot)
	}
	viper.AddConfigPath(".")

	// Read config file (optional, ignore error if not found)
	_ = viper.ReadInConfig()

	// Environment variables take precedence over config file
	viper.AutomaticEnv()

	viper.SetDefault("PERMISSIONS_SERVICE_URL", "")
	viper.SetDefault("PERMISSIONS_TIMEOUT_MS", 5000)
	viper.SetDefault("PERMISSIONS_RETRY_MAX", 0)
	viper.SetDefault("PERMISSIONS_STRICT_SCHEMA", false)

	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 50051)
	viper.SetDefault("METRICS_PORT", 9090)

	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 15432)
	viper.SetDefault("DB_USER", "permgate")
	viper.SetDefault("DB_NAME", "permgate_dev")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_AUTO_MIGRATE", false)

	viper.SetDefault("CACHE_ENABLED", true)
	viper.SetDefault("CACHE_BACKEND", CacheBackendMemory)
	viper.SetDefault("CACHE_MAX_MEMORY_BYTES", 100*1024*1024) // 100MB
	viper.SetDefault("CACHE_TTL_SECONDS", 60)
	viper.SetDefault("CACHE_METRICS", true)
	viper.SetDefault("CACHE_SYNC_ENABLED", false)

	viper.SetDefault("LOG_LEVEL", "info")

	return nil
}

// Load loads configuration from viper
func Load() (*Config, error) {
	config := &Config{
		Permissions: PermissionsConfig{
			ServiceURL:   strings.TrimSpace(viper.GetString("PERMISSIONS_SERVICE_URL")),
			Timeout:      time.Duration(viper.GetInt("PERMISSIONS_TIMEOUT_MS")) * time.Millisecond,
			RetryMax:     viper.GetInt("PERMISSIONS_RETRY_MAX"),
			StrictSchema: viper.GetBool("PERMISSIONS_STRICT_SCHEMA"),
		},
		Server: ServerConfig{
			Host:        viper.GetString("SERVER_HOST"),
			Port:        viper.GetInt("SERVER_PORT"),
			MetricsPort: viper.GetInt("METRICS_PORT"),
		},
		Database: DatabaseConfig{
			Host:     viper.GetString("DB_HOST"),
			Port:     viper.GetInt("DB_PORT"),
			User:     viper.GetString("DB_USER"),
			Password: viper.GetString("DB_PASSWORD"),
			Database: viper.GetString("DB_NAME"),
			SSLMode:  viper.GetString("DB_SSLMODE"),

			AutoMigrate: viper.GetBool("DB_AUTO_MIGRATE"),
		},
		Cache: CacheConfig{
			Enabled:        viper.GetBool("CACHE_ENABLED"),
			Backend:        strings.ToLower(viper.GetString("CACHE_BACKEND")),
			MaxMemoryBytes: viper.GetInt64("CACHE_MAX_MEMORY_BYTES"),
			TTL:            time.Duration(viper.GetInt("CACHE_TTL_SECONDS")) * time.Second,
			Metrics:        viper.GetBool("CACHE_METRICS"),
			SyncEnabled:    viper.GetBool("CACHE_SYNC_ENABLED"),
		},
		Log: LogConfig{
			Level: viper.GetString("LOG_LEVEL"),
		},
	}

	switch config.Cache.Backend {
	case CacheBackendMemory, CacheBackendPostgres:
	default:
		return nil, fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", CacheBackendMemory, CacheBackendPostgres, config.Cache.Backend)
	}

	if config.Permissions.Timeout < 0 {
		return nil, fmt.Errorf("PERMISSIONS_TIMEOUT_MS must not be negative")
	}

	// DB_PASSWORD is required for security whenever PostgreSQL is used
	if config.NeedsDatabase() && config.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required when CACHE_BACKEND=postgres or CACHE_SYNC_ENABLED=true")
	}

	return config, nil
}

// ConnectionString returns PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}
