package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AuthUserImportEnv names the environment variable that points at a
// tab-delimited user import file, read once at store bootstrap.
const AuthUserImportEnv = "AUTH_USER_IMPORT"

type Config struct {
	Storage       StorageConfig       `mapstructure:"storage"`
	Security      SecurityConfig      `mapstructure:"security"`
	Replication   ReplicationConfig   `mapstructure:"replication"`
	Import        ImportConfig        `mapstructure:"import"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type StorageConfig struct {
	// Dir is the directory holding users.json and users.json.bak.
	Dir string `mapstructure:"dir"`
}

type SecurityConfig struct {
	SessionSecret string `mapstructure:"session_secret"`
	BCryptCost    int    `mapstructure:"bcrypt_cost"`
	// AutomatedServiceToken, when non-empty, enables the reserved automated
	// account and becomes its service-token material.
	AutomatedServiceToken string `mapstructure:"automated_service_token"`
	AllowAnonymousRead    bool   `mapstructure:"allow_anonymous_read"`
}

type ReplicationConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Key       string `mapstructure:"key"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type ImportConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path overrides the AUTH_USER_IMPORT environment variable when set.
	Path string `mapstructure:"path"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Source  string `mapstructure:"source"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

// LoadConfigFromEnv builds the configuration from environment variables,
// used for container deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	return &Config{
		Storage: StorageConfig{
			Dir: getEnv("STORAGE_DIR", "./data"),
		},
		Security: SecurityConfig{
			SessionSecret:         getEnv("SESSION_SECRET", ""),
			BCryptCost:            getEnvAsInt("BCRYPT_COST", bcrypt.DefaultCost),
			AutomatedServiceToken: getEnv("AUTOMATED_SERVICE_TOKEN", ""),
			AllowAnonymousRead:    getEnvAsBool("ALLOW_ANONYMOUS_READ", false),
		},
		Replication: ReplicationConfig{
			Enabled:   getEnvAsBool("REPLICATION_ENABLED", false),
			Endpoint:  getEnv("REPLICATION_ENDPOINT", ""),
			Region:    getEnv("REPLICATION_REGION", "us-east-1"),
			Bucket:    getEnv("REPLICATION_BUCKET", ""),
			Key:       getEnv("REPLICATION_KEY", "users.json"),
			AccessKey: getEnv("REPLICATION_ACCESS_KEY", ""),
			SecretKey: getEnv("REPLICATION_SECRET_KEY", ""),
		},
		Import: ImportConfig{
			Enabled: getEnvAsBool("USER_IMPORT_ENABLED", false),
			Path:    getEnv(AuthUserImportEnv, ""),
		},
		Audit: AuditConfig{
			Enabled: getEnvAsBool("AUDIT_ENABLED", false),
			Source:  getEnv("AUDIT_SOURCE", "./data/audit.db"),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Replication.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("replication config: %v", err))
	}

	if err := c.Audit.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("audit config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *StorageConfig) Validate() error {
	if c.Dir == "" {
		return errors.New("dir is required")
	}
	return nil
}

func (c *SecurityConfig) Validate() error {
	if len(c.SessionSecret) < 32 {
		return errors.New("session secret must be at least 32 characters")
	}
	if c.BCryptCost != 0 && (c.BCryptCost < bcrypt.MinCost || c.BCryptCost > bcrypt.MaxCost) {
		return fmt.Errorf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

func (c *SecurityConfig) Cost() int {
	if c.BCryptCost == 0 {
		return bcrypt.DefaultCost
	}
	return c.BCryptCost
}

func (c *ReplicationConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Bucket == "" {
		return errors.New("bucket is required when replication is enabled")
	}
	if c.Endpoint != "" {
		if _, err := url.Parse(c.Endpoint); err != nil {
			return fmt.Errorf("invalid endpoint %s: %w", c.Endpoint, err)
		}
	}
	return nil
}

func (c *AuditConfig) Validate() error {
	if c.Enabled && c.Source == "" {
		return errors.New("source is required when audit is enabled")
	}
	return nil
}

// ImportPath resolves the bulk import file location: the configured path
// wins, then the AUTH_USER_IMPORT environment variable. Empty means no
// import.
func (c *ImportConfig) ImportPath() string {
	if !c.Enabled {
		return ""
	}
	if c.Path != "" {
		return c.Path
	}
	return os.Getenv(AuthUserImportEnv)
}
