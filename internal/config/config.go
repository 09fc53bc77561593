package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `json:"api" mapstructure:"api"`

	// Authentication configuration
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Passkey recovery
	Recovery RecoveryConfig `json:"recovery" mapstructure:"recovery"`

	// Remote backend selection
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	UserAgent  string        `json:"user_agent" mapstructure:"user_agent"`
}

// AuthConfig for bearer token persistence.
type AuthConfig struct {
	TokenFile string `json:"token_file" mapstructure:"token_file"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir      string `json:"data_dir" mapstructure:"data_dir"`           // Base directory for all data
	StateDir     string `json:"state_dir" mapstructure:"state_dir"`         // Sync checkpoints
	RecordsDir   string `json:"records_dir" mapstructure:"records_dir"`     // Encrypted chat records, one subdir per scope
	SecretsDir   string `json:"secrets_dir" mapstructure:"secrets_dir"`     // Key bundles and recovery baseline
	StateBackend string `json:"state_backend" mapstructure:"state_backend"` // json, sqlite
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	Concurrency    int           `json:"concurrency" mapstructure:"concurrency"`         // Remote records applied in parallel
	PageSize       int           `json:"page_size" mapstructure:"page_size"`             // Records per list request
	MaxPages       int           `json:"max_pages" mapstructure:"max_pages"`             // Pages pulled per full sync
	UploadRetries  int           `json:"upload_retries" mapstructure:"upload_retries"`   // Per-record upload attempts
	BackoffBase    time.Duration `json:"backoff_base" mapstructure:"backoff_base"`       // Initial retry delay
	BackoffMax     time.Duration `json:"backoff_max" mapstructure:"backoff_max"`         // Retry delay ceiling
	Interval       time.Duration `json:"interval" mapstructure:"interval"`               // Background delta sync period
	WatchDebounce  time.Duration `json:"watch_debounce" mapstructure:"watch_debounce"`   // Change feed debounce
	DeletionWindow time.Duration `json:"deletion_window" mapstructure:"deletion_window"` // Tracker entry lifetime
}

// RecoveryConfig for passkey key recovery.
type RecoveryConfig struct {
	Authenticator string        `json:"authenticator" mapstructure:"authenticator"` // software
	DriftInterval time.Duration `json:"drift_interval" mapstructure:"drift_interval"`
	RelyingParty  string        `json:"relying_party" mapstructure:"relying_party"`
}

// RemoteConfig selects and configures the remote record store.
type RemoteConfig struct {
	Backend  string `json:"backend" mapstructure:"backend"` // http, s3
	S3Bucket string `json:"s3_bucket" mapstructure:"s3_bucket"`
	S3Prefix string `json:"s3_prefix" mapstructure:"s3_prefix"`
	S3Region string `json:"s3_region" mapstructure:"s3_region"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level     string `json:"level" mapstructure:"level"`         // debug, info, warn, error
	Format    string `json:"format" mapstructure:"format"`       // text, json
	File      string `json:"file" mapstructure:"file"`           // Log file path (empty = stdout)
	Color     bool   `json:"color" mapstructure:"color"`         // Enable colored output
	Timestamp bool   `json:"timestamp" mapstructure:"timestamp"` // Include timestamps
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".chatvault"

	return &Config{
		API: APIConfig{
			BaseURL:    "https://api.chatvault.app",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			UserAgent:  "chatvault/1.0",
		},
		Auth: AuthConfig{
			TokenFile: filepath.Join(dataDir, "token.json"),
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			StateDir:     filepath.Join(dataDir, "state"),
			RecordsDir:   filepath.Join(dataDir, "records"),
			SecretsDir:   filepath.Join(dataDir, "secrets"),
			StateBackend: "json",
		},
		Sync: SyncConfig{
			Concurrency:    3,
			PageSize:       50,
			MaxPages:       1,
			UploadRetries:  5,
			BackoffBase:    time.Second,
			BackoffMax:     30 * time.Second,
			Interval:       time.Minute,
			WatchDebounce:  2 * time.Second,
			DeletionWindow: 7 * 24 * time.Hour,
		},
		Recovery: RecoveryConfig{
			Authenticator: "software",
			DriftInterval: 5 * time.Minute,
			RelyingParty:  "chatvault.app",
		},
		Remote: RemoteConfig{
			Backend:  "http",
			S3Prefix: "chatvault",
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			File:      "",
			Color:     true,
			Timestamp: true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" && c.Remote.Backend == "http" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}

	if c.Sync.Concurrency <= 0 {
		return errors.New("sync.concurrency must be positive")
	}

	if c.Sync.PageSize <= 0 {
		return errors.New("sync.page_size must be positive")
	}

	if c.Sync.MaxPages <= 0 {
		return errors.New("sync.max_pages must be positive")
	}

	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return errors.New("sync.backoff_max must be at least sync.backoff_base")
	}

	validBackends := map[string]bool{"json": true, "sqlite": true}
	if !validBackends[c.Storage.StateBackend] {
		return fmt.Errorf("invalid state backend: %s", c.Storage.StateBackend)
	}

	switch c.Remote.Backend {
	case "http":
	case "s3":
		if c.Remote.S3Bucket == "" {
			return errors.New("remote.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid remote backend: %s", c.Remote.Backend)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.StateDir,
		c.Storage.RecordsDir,
		c.Storage.SecretsDir,
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ScopeDir returns the record directory for a storage scope.
func (c *Config) ScopeDir(scope string) string {
	return filepath.Join(c.Storage.RecordsDir, scope)
}
