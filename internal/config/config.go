package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env"
)

// Storage backends
const (
	BackendMemory     = "memory"
	BackendJSONFile   = "jsonfile"
	BackendSQLite     = "sqlite"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
	BackendMongo      = "mongo"
)

// Config holds the application configuration
type Config struct {
	TelegramToken   string `env:"TELEGRAM_BOT_TOKEN"`
	LibrarianChatID int64  `env:"LIBRARIAN_CHAT_ID"`

	// Bot mode configuration
	WebhookMode bool   `env:"WEBHOOK_MODE"` // If true, use webhook mode; if false, use polling mode
	WebhookURL  string `env:"WEBHOOK_URL"`  // required if WebhookMode is true
	Port        string `env:"PORT" envDefault:"8080"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"jsonfile"`
	DataDir        string `env:"DATA_DIR" envDefault:"data"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"data/library.db"`
	DatabaseURL    string `env:"DATABASE_URL"`

	// ClickHouse configuration
	ClickHouseHost     string `env:"CLICKHOUSE_HOST"`
	ClickHousePort     int    `env:"CLICKHOUSE_PORT" envDefault:"9000"`
	ClickHouseDatabase string `env:"CLICKHOUSE_DATABASE" envDefault:"default"`
	ClickHouseUser     string `env:"CLICKHOUSE_USER" envDefault:"default"`
	ClickHousePassword string `env:"CLICKHOUSE_PASSWORD"`
	ClickHouseUseTLS   bool   `env:"CLICKHOUSE_USE_TLS"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"library"`

	// Sessions live in redis when REDIS_ADDR is set, in memory otherwise
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	NATSURL string `env:"NATS_URL"`

	SessionTTLMinutes int    `env:"SESSION_TTL_MINUTES" envDefault:"30"`
	PhonePattern      string `env:"PHONE_PATTERN" envDefault:"^[0-9]+$"`
	DefaultPickupTime string `env:"DEFAULT_PICKUP_TIME" envDefault:"after isha salah"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`

	SeedCatalogFile string `env:"SEED_CATALOG_FILE"`
}

// LoadFromEnv loads and validates configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Parse reads the environment without validating it. Tools that only need
// storage settings (cmd/migrate) use it directly.
func Parse() (*Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	config.StorageBackend = strings.ToLower(strings.TrimSpace(config.StorageBackend))
	return config, nil
}

// Validate checks required settings and backend-specific dependencies
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.LibrarianChatID == 0 {
		return fmt.Errorf("LIBRARIAN_CHAT_ID is required")
	}
	if c.WebhookMode && c.WebhookURL == "" {
		return fmt.Errorf("WEBHOOK_URL is required when WEBHOOK_MODE is true")
	}
	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive, got %d", c.SessionTTLMinutes)
	}
	if _, err := regexp.Compile(c.PhonePattern); err != nil {
		return fmt.Errorf("invalid PHONE_PATTERN: %w", err)
	}

	switch c.StorageBackend {
	case BackendMemory, BackendJSONFile, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is postgres")
		}
	case BackendClickHouse:
		if c.ClickHouseHost == "" {
			return fmt.Errorf("CLICKHOUSE_HOST is required when STORAGE_BACKEND is clickhouse")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORAGE_BACKEND is mongo")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	return nil
}

// SessionTTL is how long an idle conversation state is kept
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}
