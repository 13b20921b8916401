package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	// MigrationsDir overrides the built-in migrations when set.
	MigrationsDir    string        `mapstructure:"MIGRATIONS_DIR"`
	ClientIdentifier string        `mapstructure:"CLIENT_IDENTIFIER"`
	DataDir          string        `mapstructure:"DATA_DIR"`
	LogDir           string        `mapstructure:"LOG_DIR"`
	RawExportPath    string        `mapstructure:"RAW_EXPORT_PATH"`
	CatalogPath      string        `mapstructure:"CATALOG_PATH"`
	LedgerPath       string        `mapstructure:"LEDGER_PATH"`
	StateDriver      string        `mapstructure:"STATE_DRIVER"`
	StatePath        string        `mapstructure:"STATE_PATH"`
	BatchSize        int           `mapstructure:"BATCH_SIZE"`
	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RunInterval      time.Duration `mapstructure:"RUN_INTERVAL"`
	MetricsTextfile  string        `mapstructure:"METRICS_TEXTFILE"`

	R2EndpointURL     string `mapstructure:"R2_ENDPOINT_URL"`
	R2Region          string `mapstructure:"R2_REGION"`
	R2AccessKeyID     string `mapstructure:"R2_ACCESS_KEY_ID"`
	R2SecretAccessKey string `mapstructure:"R2_SECRET_ACCESS_KEY"`
	R2LogBucketName   string `mapstructure:"R2_LOG_BUCKET_NAME"`
	R2ClientFolder    string `mapstructure:"R2_CLIENT_FOLDER"`

	LedgerSourceFolder string `mapstructure:"LEDGER_SOURCE_FOLDER"`
	LedgerLastRunPath  string `mapstructure:"LEDGER_LAST_RUN_PATH"`
	LedgerStart        string `mapstructure:"LEDGER_START"`
}

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var keys = []string{
	"ENV", "PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"MIGRATIONS_DIR", "CLIENT_IDENTIFIER", "DATA_DIR", "LOG_DIR", "RAW_EXPORT_PATH",
	"CATALOG_PATH", "LEDGER_PATH", "STATE_DRIVER", "STATE_PATH", "BATCH_SIZE",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RUN_INTERVAL", "METRICS_TEXTFILE",
	"R2_ENDPOINT_URL", "R2_REGION", "R2_ACCESS_KEY_ID", "R2_SECRET_ACCESS_KEY",
	"R2_LOG_BUCKET_NAME", "R2_CLIENT_FOLDER",
	"LEDGER_SOURCE_FOLDER", "LEDGER_LAST_RUN_PATH", "LEDGER_START",
}

// Load reads configuration from the environment and an optional .env file.
// Database settings are not required here; commands that touch the store
// call RequireDatabase.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "production")
	v.SetDefault("PORT", "8000")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CLIENT_IDENTIFIER", "default")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("LOG_DIR", "./logs")
	v.SetDefault("STATE_DRIVER", "file")
	v.SetDefault("BATCH_SIZE", 500)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY_BASE_DELAY", "2s")
	v.SetDefault("RUN_INTERVAL", "15m")
	v.SetDefault("R2_REGION", "auto")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyPathDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPathDefaults fills input and state paths that live under DATA_DIR
// unless they were set explicitly.
func (c *Config) applyPathDefaults() {
	if c.RawExportPath == "" {
		c.RawExportPath = filepath.Join(c.DataDir, "data.json")
	}
	if c.CatalogPath == "" {
		c.CatalogPath = filepath.Join(c.DataDir, "meta.csv")
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.DataDir, "TimeOut.csv")
	}
	if c.StatePath == "" {
		if c.StateDriver == "sqlite" {
			c.StatePath = filepath.Join(c.DataDir, "processed_invoice_numbers.db")
		} else {
			c.StatePath = filepath.Join(c.DataDir, "processed_invoice_numbers.json")
		}
	}
	if c.LedgerLastRunPath == "" {
		c.LedgerLastRunPath = filepath.Join(c.DataDir, "last_run.txt")
	}
	if c.R2ClientFolder == "" {
		c.R2ClientFolder = c.ClientIdentifier
	}
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks settings shared by every command.
func (c *Config) Validate() error {
	if !schemaPattern.MatchString(c.DBSchema) {
		return fmt.Errorf("DB_SCHEMA %q is not a valid identifier", c.DBSchema)
	}
	switch c.StateDriver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("STATE_DRIVER must be \"file\" or \"sqlite\", got %q", c.StateDriver)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if strings.TrimSpace(c.ClientIdentifier) == "" {
		return fmt.Errorf("CLIENT_IDENTIFIER must not be empty")
	}
	return nil
}

// RequireDatabase reports an error when no database is configured.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// LogUploadEnabled is true when enough R2 settings are present to ship logs.
func (c *Config) LogUploadEnabled() bool {
	return c.R2LogBucketName != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != ""
}

// RemoteInputs reports whether any input path points at object storage.
func (c *Config) RemoteInputs() bool {
	for _, p := range []string{c.RawExportPath, c.CatalogPath, c.LedgerPath} {
		if strings.HasPrefix(p, "s3://") {
			return true
		}
	}
	return false
}
