package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envFile    string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
		envPrefix:  "CHATVAULT",
	}
}

// WithEnvFile overrides the dotenv file consulted before the environment.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads configuration from .env, file and environment.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		if _, err := os.Stat(l.envFile); err == nil {
			if err := godotenv.Load(l.envFile); err != nil {
				return nil, fmt.Errorf("load env file: %w", err)
			}
		}
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath == "" {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				break
			}
		}
	}

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Moving the data dir moves every path still at its default.
	if dataDir := v.GetString("storage.data_dir"); dataDir != DefaultConfig().Storage.DataDir {
		rebase(cfg, v, dataDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"chatvault.json",
		"chatvault.yaml",
		".chatvault.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "chatvault", "config.json"),
			filepath.Join(homeDir, ".config", "chatvault", "config.yaml"),
		)
	}

	return paths
}

func rebase(cfg *Config, v *viper.Viper, dataDir string) {
	defaults := DefaultConfig()
	paths := []struct {
		key    string
		target *string
		def    string
		name   string
	}{
		{"storage.state_dir", &cfg.Storage.StateDir, defaults.Storage.StateDir, "state"},
		{"storage.records_dir", &cfg.Storage.RecordsDir, defaults.Storage.RecordsDir, "records"},
		{"storage.secrets_dir", &cfg.Storage.SecretsDir, defaults.Storage.SecretsDir, "secrets"},
		{"auth.token_file", &cfg.Auth.TokenFile, defaults.Auth.TokenFile, "token.json"},
	}
	for _, p := range paths {
		if v.GetString(p.key) == p.def {
			*p.target = filepath.Join(dataDir, p.name)
		}
	}
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("api.max_retries", cfg.API.MaxRetries)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)

	v.SetDefault("auth.token_file", cfg.Auth.TokenFile)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.state_dir", cfg.Storage.StateDir)
	v.SetDefault("storage.records_dir", cfg.Storage.RecordsDir)
	v.SetDefault("storage.secrets_dir", cfg.Storage.SecretsDir)
	v.SetDefault("storage.state_backend", cfg.Storage.StateBackend)

	v.SetDefault("sync.concurrency", cfg.Sync.Concurrency)
	v.SetDefault("sync.page_size", cfg.Sync.PageSize)
	v.SetDefault("sync.max_pages", cfg.Sync.MaxPages)
	v.SetDefault("sync.upload_retries", cfg.Sync.UploadRetries)
	v.SetDefault("sync.backoff_base", cfg.Sync.BackoffBase)
	v.SetDefault("sync.backoff_max", cfg.Sync.BackoffMax)
	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.watch_debounce", cfg.Sync.WatchDebounce)
	v.SetDefault("sync.deletion_window", cfg.Sync.DeletionWindow)

	v.SetDefault("recovery.authenticator", cfg.Recovery.Authenticator)
	v.SetDefault("recovery.drift_interval", cfg.Recovery.DriftInterval)
	v.SetDefault("recovery.relying_party", cfg.Recovery.RelyingParty)

	v.SetDefault("remote.backend", cfg.Remote.Backend)
	v.SetDefault("remote.s3_bucket", cfg.Remote.S3Bucket)
	v.SetDefault("remote.s3_prefix", cfg.Remote.S3Prefix)
	v.SetDefault("remote.s3_region", cfg.Remote.S3Region)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.color", cfg.Log.Color)
	v.SetDefault("log.timestamp", cfg.Log.Timestamp)
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.New("config file already exists")
	}

	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
