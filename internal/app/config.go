package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"liveuser/internal/protocol"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNone   = "none"

	DefaultAddr          = ":8080"
	DefaultRedisAddr     = "127.0.0.1:6379"
	DefaultUpgradeLimit  = 30
	DefaultUpgradeWindow = time.Minute
	DefaultLogLevel      = "info"

	// UpgradeLimitDisabled turns the per-IP upgrade limiter off.
	UpgradeLimitDisabled = -1
)

var ErrUnknownBackend = errors.New("unknown counter backend")

// Config is the on-disk layout of a liveuser config file.
type Config struct {
	LogLevel string                `yaml:"log_level"`
	Server   ServerConfig          `yaml:"server"`
	Client   protocol.ClientConfig `yaml:"client"`
}

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"admin_token"`
	ShutdownMessage string        `yaml:"shutdown_message"`
	UpgradeLimit    int           `yaml:"upgrade_limit"`
	UpgradeWindow   time.Duration `yaml:"upgrade_window"`
	Counter         CounterConfig `yaml:"counter"`
}

// CounterConfig selects where visit totals are kept.
type CounterConfig struct {
	Backend       string `yaml:"backend"`
	DBPath        string `yaml:"db_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Load reads and parses a YAML config file. An empty path yields defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// LoadDotEnv loads variables from .env files into the process environment.
// Variables that are already set win.
func LoadDotEnv(paths ...string) error {
	return godotenv.Load(paths...)
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.ShutdownMessage == "" {
		cfg.Server.ShutdownMessage = protocol.DefaultShutdownMessage
	}
	if cfg.Server.UpgradeLimit == 0 {
		cfg.Server.UpgradeLimit = DefaultUpgradeLimit
	}
	if cfg.Server.UpgradeWindow == 0 {
		cfg.Server.UpgradeWindow = DefaultUpgradeWindow
	}
	counter := &cfg.Server.Counter
	counter.Backend = strings.ToLower(strings.TrimSpace(counter.Backend))
	if counter.Backend == "" {
		counter.Backend = BackendSQLite
	}
	if counter.Backend == BackendSQLite && counter.DBPath == "" {
		counter.DBPath = DefaultDBPath()
	}
	if counter.Backend == BackendRedis && counter.RedisAddr == "" {
		counter.RedisAddr = DefaultRedisAddr
	}
	cfg.Client.ApplyDefaults()
}

// ApplyEnv overrides cfg with LIVEUSER_* variables found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if value, ok := lookup(key); ok && value != "" {
			*dst = value
		}
	}
	integer := func(key string, dst *int) error {
		if value, ok := lookup(key); ok && value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = parsed
		}
		return nil
	}
	boolean := func(key string, dst *bool) error {
		if value, ok := lookup(key); ok && value != "" {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = parsed
		}
		return nil
	}

	str("LIVEUSER_LOG_LEVEL", &cfg.LogLevel)
	str("LIVEUSER_ADDR", &cfg.Server.Addr)
	str("LIVEUSER_ADMIN_TOKEN", &cfg.Server.AdminToken)
	str("LIVEUSER_SHUTDOWN_MESSAGE", &cfg.Server.ShutdownMessage)
	str("LIVEUSER_COUNTER", &cfg.Server.Counter.Backend)
	str("LIVEUSER_DB_PATH", &cfg.Server.Counter.DBPath)
	str("LIVEUSER_REDIS_ADDR", &cfg.Server.Counter.RedisAddr)
	str("LIVEUSER_REDIS_PASSWORD", &cfg.Server.Counter.RedisPassword)
	str("LIVEUSER_SERVER_URL", &cfg.Client.ServerURL)
	str("LIVEUSER_SITE_ID", &cfg.Client.SiteID)
	if value, ok := lookup("LIVEUSER_UPGRADE_WINDOW"); ok && value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("LIVEUSER_UPGRADE_WINDOW: %w", err)
		}
		cfg.Server.UpgradeWindow = parsed
	}
	for _, err := range []error{
		integer("LIVEUSER_REDIS_DB", &cfg.Server.Counter.RedisDB),
		integer("LIVEUSER_UPGRADE_LIMIT", &cfg.Server.UpgradeLimit),
		integer("LIVEUSER_RECONNECT_DELAY", &cfg.Client.ReconnectDelay),
		boolean("LIVEUSER_TOTALS", &cfg.Client.EnableTotalCount),
		boolean("LIVEUSER_DEBUG", &cfg.Client.Debug),
	} {
		if err != nil {
			return err
		}
	}
	ApplyDefaults(cfg)
	return nil
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch cfg.Server.Counter.Backend {
	case BackendSQLite:
		if cfg.Server.Counter.DBPath == "" {
			return errors.New("server.counter.db_path is required for the sqlite backend")
		}
	case BackendRedis:
		if cfg.Server.Counter.RedisAddr == "" {
			return errors.New("server.counter.redis_addr is required for the redis backend")
		}
	case BackendNone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Server.Counter.Backend)
	}
	if cfg.Server.UpgradeLimit < UpgradeLimitDisabled {
		return fmt.Errorf("server.upgrade_limit must be positive or %d to disable it", UpgradeLimitDisabled)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// SetupLogger installs a text handler at the given level as the default logger.
func SetupLogger(level string, w io.Writer) {
	parsed, err := ParseLevel(level)
	if err != nil {
		parsed = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parsed})))
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("LIVEUSER_DATA_DIR"); env != "" {
		return filepath.Join(env, "liveuser.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "liveuser", "liveuser.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "LiveUser", "liveuser.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "LiveUser", "liveuser.db")
		}
		return filepath.Join(home, ".local", "share", "liveuser", "liveuser.db")
	}
	return filepath.Join(".", ".liveuser", "liveuser.db")
}
