// Package config loads the application configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// WebDAV configuration for fetching the KOReader statistics database
	WebDAV struct {
		URL      string        `yaml:"url"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		// Path is the directory on the WebDAV share holding the database
		Path string `yaml:"path"`
		// DatabaseName is the statistics database file name
		DatabaseName string        `yaml:"database_name"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"webdav"`

	// KOReader local overrides
	KOReader struct {
		// LocalDBPath points at an already-downloaded statistics database.
		// When set, no WebDAV transfer is attempted.
		LocalDBPath string `yaml:"local_db_path"`
	} `yaml:"koreader"`

	// Hardcover configuration
	Hardcover struct {
		Token     string        `yaml:"token"`
		BaseURL   string        `yaml:"base_url"`
		Timeout   time.Duration `yaml:"timeout"`
		RateLimit time.Duration `yaml:"rate_limit"`
	} `yaml:"hardcover"`

	// Cache configuration
	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`

	// Sync settings
	Sync struct {
		// Limit is how many recently opened books one pass selects
		Limit int `yaml:"limit"`
		// MatchThreshold is the minimum similarity score for an automatic match
		MatchThreshold float64 `yaml:"match_threshold"`
		// MatchMargin is the minimum lead over the runner-up candidate
		MatchMargin float64 `yaml:"match_margin"`
		// MaxPushAttempts bounds retries when Hardcover rate-limits a push
		MaxPushAttempts int           `yaml:"max_push_attempts"`
		Interval        time.Duration `yaml:"interval"`
		DryRun          bool          `yaml:"dry_run"`
	} `yaml:"sync"`
}

// Load loads configuration from a file (if specified) and environment
// variables. Priority: environment variables, then config file, then defaults.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	// Defaults first
	cfg.Server.Port = "8585"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.WebDAV.DatabaseName = "statistics.sqlite3"
	cfg.WebDAV.Timeout = 60 * time.Second
	cfg.Hardcover.BaseURL = "https://api.hardcover.app/v1/graphql"
	cfg.Hardcover.Timeout = 30 * time.Second
	cfg.Hardcover.RateLimit = 1 * time.Second
	cfg.Cache.Path = "./data/reading_stats.db"
	cfg.Sync.Limit = 10
	cfg.Sync.MatchThreshold = 0.85
	cfg.Sync.MatchMargin = 0.05
	cfg.Sync.MaxPushAttempts = 3
	cfg.Sync.Interval = 1 * time.Hour

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(cfg)

	return cfg, nil
}

// loadFromEnv applies environment variable overrides to the config
func loadFromEnv(cfg *Config) {
	if v := getEnv("PORT", ""); v != "" {
		cfg.Server.Port = v
	}
	if v := getDurationFromEnv("SHUTDOWN_TIMEOUT", 0); v > 0 {
		cfg.Server.ShutdownTimeout = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		cfg.Logging.Level = v
	}
	if v := getEnv("LOG_FORMAT", ""); v != "" {
		cfg.Logging.Format = v
	}
	if v := getEnv("WEBDAV_URL", ""); v != "" {
		cfg.WebDAV.URL = v
	}
	if v := getEnv("WEBDAV_USERNAME", ""); v != "" {
		cfg.WebDAV.Username = v
	}
	if v := getEnv("WEBDAV_PASSWORD", ""); v != "" {
		cfg.WebDAV.Password = v
	}
	if v := getEnv("WEBDAV_PATH", ""); v != "" {
		cfg.WebDAV.Path = v
	}
	if v := getEnv("WEBDAV_DATABASE_NAME", ""); v != "" {
		cfg.WebDAV.DatabaseName = v
	}
	if v := getEnv("KOREADER_DB_PATH", ""); v != "" {
		cfg.KOReader.LocalDBPath = v
	}
	if v := getEnv("HARDCOVER_TOKEN", ""); v != "" {
		cfg.Hardcover.Token = v
	}
	if v := getEnv("HARDCOVER_BASE_URL", ""); v != "" {
		cfg.Hardcover.BaseURL = v
	}
	if v := getDurationFromEnv("HARDCOVER_RATE_LIMIT", 0); v > 0 {
		cfg.Hardcover.RateLimit = v
	}
	if v := getEnv("CACHE_PATH", ""); v != "" {
		cfg.Cache.Path = v
	}
	if v := getIntFromEnv("SYNC_LIMIT", 0); v > 0 {
		cfg.Sync.Limit = v
	}
	if v := getFloat64FromEnv("MATCH_THRESHOLD", 0); v > 0 {
		cfg.Sync.MatchThreshold = v
	}
	if v := getFloat64FromEnv("MATCH_MARGIN", 0); v > 0 {
		cfg.Sync.MatchMargin = v
	}
	if v := getDurationFromEnv("SYNC_INTERVAL", 0); v > 0 {
		cfg.Sync.Interval = v
	}
	if dryRun, set := os.LookupEnv("DRY_RUN"); set {
		cfg.Sync.DryRun = strings.ToLower(dryRun) == "true"
	}
}

// RemoteDBPath returns the full WebDAV path of the statistics database
func (c *Config) RemoteDBPath() string {
	if c.WebDAV.Path == "" {
		return c.WebDAV.DatabaseName
	}
	return path.Join(c.WebDAV.Path, c.WebDAV.DatabaseName)
}

// getEnv returns the value of an environment variable or a default
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getDurationFromEnv parses a Go duration from an environment variable
func getDurationFromEnv(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// getIntFromEnv parses an integer from an environment variable
func getIntFromEnv(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getFloat64FromEnv parses a float from an environment variable
func getFloat64FromEnv(key string, defaultValue float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}
