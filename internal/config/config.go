package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"vpn-console/internal/auth"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration
	LogLevel     string

	Operators    auth.Operators
	DeviceAPIKey string

	StoreDriver string
	StateFile   string
	DatabaseURL string
	RedisURL    string

	PresenceWindow time.Duration
	PresenceTick   time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// LoadEnvFiles overlays .env and .env.dev onto the process environment
// when present.
func LoadEnvFiles(logger logrus.FieldLogger) {
	var loaded []string
	for _, file := range []string{".env", ".env.dev"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			logger.WithError(err).Warnf("Failed to load %s", file)
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) > 0 {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func positiveSeconds(env Env, key string, def time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(seconds) * time.Second, nil
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:        3000,
		GinMode:     "release",
		LogLevel:    "info",
		StoreDriver: StoreMemory,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	var err error
	if cfg.TokenExpiry, err = positiveSeconds(env, "TOKEN_EXPIRY_SECONDS", 12*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.PresenceWindow, err = positiveSeconds(env, "PRESENCE_WINDOW_SECONDS", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PresenceTick, err = positiveSeconds(env, "PRESENCE_TICK_SECONDS", time.Minute); err != nil {
		return Config{}, err
	}

	if cfg.Operators, err = auth.ParseOperators(env.Getenv("OPERATOR_KEYS")); err != nil {
		return Config{}, fmt.Errorf("invalid OPERATOR_KEYS: %w", err)
	}
	cfg.DeviceAPIKey = env.Getenv("DEVICE_API_KEY")

	if raw := env.Getenv("STORE_DRIVER"); raw != "" {
		cfg.StoreDriver = strings.ToLower(raw)
	}
	cfg.StateFile = env.Getenv("STATE_FILE")
	cfg.DatabaseURL = env.Getenv("DATABASE_URL")
	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return Config{}, fmt.Errorf("invalid STORE_DRIVER %q", cfg.StoreDriver)
	}

	cfg.RedisURL = env.Getenv("REDIS_URL")

	return cfg, nil
}
