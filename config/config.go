// Package config loads engine settings from config files, environment
// variables and .env files.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the engine configuration
type Config struct {
	Driver         string
	DSN            string
	CacheCapacity  int
	CacheTTL       time.Duration
	SweepInterval  time.Duration
	DebounceWindow time.Duration
	LogQueries     bool
}

// Load reads configuration from .modelq.yaml, MODELQ_* environment
// variables and .env files, in increasing priority.
func Load() (*Config, error) {
	v := viper.New()

	// Set config file paths
	v.SetConfigName(".modelq")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Set environment variable prefix
	v.SetEnvPrefix("MODELQ")
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("driver", "mysql")
	v.SetDefault("cache_capacity", 2000)
	v.SetDefault("cache_ttl", 15*time.Minute)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("debounce_window", 25*time.Millisecond)
	v.SetDefault("log_queries", false)

	// Try to read config file (ignore if not found)
	_ = v.ReadInConfig()

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	// Load .env.local if it exists (higher priority)
	if _, err := os.Stat(".env.local"); err == nil {
		_ = godotenv.Overload(".env.local")
	}

	dsn := v.GetString("dsn")
	if url := os.Getenv("DATABASE_URL"); url != "" {
		dsn = url
	}

	cfg := &Config{
		Driver:         v.GetString("driver"),
		DSN:            dsn,
		CacheCapacity:  v.GetInt("cache_capacity"),
		CacheTTL:       v.GetDuration("cache_ttl"),
		SweepInterval:  v.GetDuration("sweep_interval"),
		DebounceWindow: v.GetDuration("debounce_window"),
		LogQueries:     v.GetBool("log_queries"),
	}

	return cfg, nil
}
