package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Store   ConfigStore   `toml:"store"`
	Cache   ConfigCache   `toml:"cache"`
	Relay   ConfigRelay   `toml:"relay"`
}

// ConfigDefault holds the signed-in identity and relay location.
type ConfigDefault struct {
	UserID   string `toml:"user_id"`
	RelayURL string `toml:"relay_url"`
}

// ConfigStore selects the durable document store.
type ConfigStore struct {
	Driver        string `toml:"driver"`
	MongoURI      string `toml:"mongo_uri"`
	MongoDatabase string `toml:"mongo_database"`
	SQLitePath    string `toml:"sqlite_path"`
}

// ConfigCache configures the device-local message cache.
type ConfigCache struct {
	Path        string `toml:"path"`
	MaxMessages int    `toml:"max_messages"`
}

// ConfigRelay configures `chatsync relay serve`.
type ConfigRelay struct {
	Addr             string  `toml:"addr"`
	RedisURL         string  `toml:"redis_url"`
	ClientEventRate  float64 `toml:"client_event_rate"`
	ClientEventBurst int     `toml:"client_event_burst"`
	WebhookURL       string  `toml:"webhook_url"`
	WebhookSecret    string  `toml:"webhook_secret"`
}

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads and parses the config file as stored.
// If the file does not exist, it returns a zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig returns the effective configuration: the config file with
// CHATSYNC_* environment overrides and defaults applied.
func loadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func (c *Config) defaults() error {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.MongoDatabase == "" {
		c.Store.MongoDatabase = "chatsync"
	}
	if c.Relay.Addr == "" {
		c.Relay.Addr = ":8080"
	}
	if c.Default.RelayURL == "" {
		c.Default.RelayURL = "http://localhost:8080"
	}
	if c.Store.SQLitePath == "" || c.Cache.Path == "" {
		dir, err := configDir()
		if err != nil {
			return err
		}
		if c.Store.SQLitePath == "" {
			c.Store.SQLitePath = filepath.Join(dir, "chatsync.db")
		}
		if c.Cache.Path == "" {
			c.Cache.Path = filepath.Join(dir, "cache")
		}
	}
	return nil
}

// getEnv returns the environment value for key or fallback when unset.
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// applyEnv overrides config values with CHATSYNC_* environment variables.
func applyEnv(cfg *Config) {
	cfg.Default.UserID = getEnv("CHATSYNC_USER_ID", cfg.Default.UserID)
	cfg.Default.RelayURL = getEnv("CHATSYNC_RELAY_URL", cfg.Default.RelayURL)
	cfg.Store.Driver = getEnv("CHATSYNC_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.MongoURI = getEnv("CHATSYNC_MONGO_URI", cfg.Store.MongoURI)
	cfg.Store.MongoDatabase = getEnv("CHATSYNC_MONGO_DATABASE", cfg.Store.MongoDatabase)
	cfg.Store.SQLitePath = getEnv("CHATSYNC_SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Cache.Path = getEnv("CHATSYNC_CACHE_PATH", cfg.Cache.Path)
	cfg.Relay.Addr = getEnv("CHATSYNC_RELAY_ADDR", cfg.Relay.Addr)
	cfg.Relay.RedisURL = getEnv("CHATSYNC_REDIS_URL", cfg.Relay.RedisURL)
	cfg.Relay.WebhookURL = getEnv("CHATSYNC_WEBHOOK_URL", cfg.Relay.WebhookURL)
	cfg.Relay.WebhookSecret = getEnv("CHATSYNC_WEBHOOK_SECRET", cfg.Relay.WebhookSecret)
	if n, err := strconv.Atoi(getEnv("CHATSYNC_CACHE_MAX_MESSAGES", "")); err == nil {
		cfg.Cache.MaxMessages = n
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.user_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "user_id":
			cfg.Default.UserID = value
		case "relay_url":
			cfg.Default.RelayURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "store":
		switch field {
		case "driver":
			switch value {
			case DriverMemory, DriverSQLite, DriverMongo:
			default:
				return fmt.Errorf("unknown store driver %q (valid: memory, sqlite, mongo)", value)
			}
			cfg.Store.Driver = value
		case "mongo_uri":
			cfg.Store.MongoURI = value
		case "mongo_database":
			cfg.Store.MongoDatabase = value
		case "sqlite_path":
			cfg.Store.SQLitePath = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "cache":
		switch field {
		case "path":
			cfg.Cache.Path = value
		case "max_messages":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("max_messages must be a non-negative integer")
			}
			cfg.Cache.MaxMessages = n
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "relay":
		switch field {
		case "addr":
			cfg.Relay.Addr = value
		case "redis_url":
			cfg.Relay.RedisURL = value
		case "client_event_rate":
			r, err := strconv.ParseFloat(value, 64)
			if err != nil || r <= 0 {
				return fmt.Errorf("client_event_rate must be a positive number")
			}
			cfg.Relay.ClientEventRate = r
		case "client_event_burst":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("client_event_burst must be a positive integer")
			}
			cfg.Relay.ClientEventBurst = n
		case "webhook_url":
			cfg.Relay.WebhookURL = value
		case "webhook_secret":
			cfg.Relay.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [relay]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, store, cache, relay)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime two-party chat",
	Long:  "Command-line interface for chatsync.\nRun the relay, send and watch messages, and inspect presence and the local cache.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		l, err := newLogger(verbose)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable development logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
