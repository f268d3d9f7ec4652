package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Port            int
	TCPAddr         string
	MaxClients      int
	DatabaseURL     string
	SpeciesFile     string
	WriteTimeout    time.Duration
	MoveTimeout     time.Duration
	ClientTimeout   time.Duration
	RateLimit       int
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

func Default() Config {
	return Config{
		Port:            8080,
		MaxClients:      50,
		WriteTimeout:    5 * time.Second,
		RateLimit:       20,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads the process environment. A .env file in the working directory
// is loaded first, without overriding variables that are already set.
func Load() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from any key lookup. Unset keys keep their
// defaults; set but invalid values are errors.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	cfg.Port = r.int("PORT", cfg.Port)
	cfg.TCPAddr = r.string("TCP_ADDR", cfg.TCPAddr)
	cfg.MaxClients = r.int("MAX_CLIENTS", cfg.MaxClients)
	cfg.DatabaseURL = r.string("DATABASE_URL", cfg.DatabaseURL)
	cfg.SpeciesFile = r.string("SPECIES_FILE", cfg.SpeciesFile)
	cfg.WriteTimeout = r.duration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.MoveTimeout = r.duration("MOVE_TIMEOUT", cfg.MoveTimeout)
	cfg.ClientTimeout = r.duration("CLIENT_TIMEOUT", cfg.ClientTimeout)
	cfg.RateLimit = r.int("RATE_LIMIT", cfg.RateLimit)
	cfg.LogLevel = r.string("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = r.string("LOG_FORMAT", cfg.LogFormat)
	cfg.ShutdownTimeout = r.duration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("CONFIG_INVALID: PORT %d out of range", c.Port)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("CONFIG_INVALID: MAX_CLIENTS must be positive, got %d", c.MaxClients)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("CONFIG_INVALID: RATE_LIMIT must be positive, got %d", c.RateLimit)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("CONFIG_INVALID: WRITE_TIMEOUT must be positive, got %s", c.WriteTimeout)
	}
	if c.MoveTimeout < 0 || c.ClientTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("CONFIG_INVALID: timeouts cannot be negative")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("CONFIG_INVALID: LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// reader keeps the first parse error so every key can be read in one pass.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) string(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("CONFIG_INVALID: %s=%q is not an integer", key, v)
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("CONFIG_INVALID: %s=%q is not a duration", key, v)
	}
	return d
}
