// Package config provides configuration management for consultd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Defaults. The assistant URL matches the backend's development address.
const (
	DefaultListenAddr   = "127.0.0.1:7707"
	DefaultAssistantURL = "http://localhost:8000"
	DefaultTimeoutSecs  = 60
	DefaultStorage      = "sqlite"
	DefaultRedisAddr    = "127.0.0.1:6379"
	DefaultSessionsKey  = "consult-sessions"

	dataDirName  = ".consultd"
	dbFileName   = "consultd.db"
	settingsFile = "settings.json"
)

// Config holds all consultd settings. JSON tags double as the settings
// file keys and the environment override names.
type Config struct {
	ListenAddr    string `json:"CONSULTD_ADDR"`
	AssistantURL  string `json:"CONSULTD_ASSISTANT_URL"`
	TimeoutSecs   int    `json:"CONSULTD_TIMEOUT_SECONDS"`
	Storage       string `json:"CONSULTD_STORAGE"` // sqlite | postgres | redis | memory
	RedisAddr     string `json:"CONSULTD_REDIS_ADDR"`
	RedisPassword string `json:"CONSULTD_REDIS_PASSWORD"`
	PostgresDSN   string `json:"CONSULTD_POSTGRES_DSN"`
	SessionsKey   string `json:"CONSULTD_SESSIONS_KEY"`
	MaxConns      int    `json:"CONSULTD_MAX_CONNS"`
}

var (
	cached   *Config
	cachedMu sync.Mutex
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:   DefaultListenAddr,
		AssistantURL: DefaultAssistantURL,
		TimeoutSecs:  DefaultTimeoutSecs,
		Storage:      DefaultStorage,
		RedisAddr:    DefaultRedisAddr,
		SessionsKey:  DefaultSessionsKey,
		MaxConns:     4,
	}
}

// DataDir returns the consultd data directory (~/.consultd).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// DBPath returns the SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), dbFileName)
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), settingsFile)
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode default settings: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureAll creates the data directory and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads the settings file and applies environment overrides on top.
// An unreadable or corrupt settings file degrades to defaults; Load never
// leaves the caller without a usable configuration.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			log.Warn().Err(jsonErr).Msg("Settings file unreadable, using defaults")
			cfg = Default()
		}
	}

	applyEnv(cfg)
	cfg.normalize()
	return cfg, nil
}

// Get returns the cached configuration, loading it on first use.
func Get() *Config {
	cachedMu.Lock()
	defer cachedMu.Unlock()

	if cached == nil {
		cfg, _ := Load()
		cached = cfg
	}
	return cached
}

// applyEnv overrides settings from environment variables named after the
// JSON keys.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CONSULTD_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONSULTD_ASSISTANT_URL"); v != "" {
		cfg.AssistantURL = v
	}
	if v := os.Getenv("CONSULTD_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimeoutSecs = n
		}
	}
	if v := os.Getenv("CONSULTD_STORAGE"); v != "" {
		cfg.Storage = v
	}
	if v := os.Getenv("CONSULTD_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CONSULTD_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CONSULTD_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("CONSULTD_SESSIONS_KEY"); v != "" {
		cfg.SessionsKey = v
	}
	if v := os.Getenv("CONSULTD_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConns = n
		}
	}
}

// normalize backfills zero values so a sparse settings file still yields
// a complete configuration.
func (c *Config) normalize() {
	def := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.AssistantURL == "" {
		c.AssistantURL = def.AssistantURL
	}
	if c.TimeoutSecs <= 0 {
		c.TimeoutSecs = def.TimeoutSecs
	}
	if c.Storage == "" {
		c.Storage = def.Storage
	}
	if c.RedisAddr == "" {
		c.RedisAddr = def.RedisAddr
	}
	if c.SessionsKey == "" {
		c.SessionsKey = def.SessionsKey
	}
	if c.MaxConns <= 0 {
		c.MaxConns = def.MaxConns
	}
}
