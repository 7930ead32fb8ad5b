package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for fsledger.
type Config struct {
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	LogLevel string         `toml:"log_level,omitempty"` // debug, info, warn, error
	Database DatabaseConfig `toml:"database"`
	Journal  JournalConfig  `toml:"journal"`
	Export   ExportConfig   `toml:"export"`
}

// DatabaseConfig configures the metadata store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// JournalConfig configures the command journal's recovery sweep.
type JournalConfig struct {
	// PendingTimeoutMinutes is how long an entry may stay pending before
	// the sweep marks it failed and releases its idempotency key.
	PendingTimeoutMinutes int `toml:"pending_timeout_minutes"`
}

// ExportConfig holds the age key pair used for encrypted snapshot exports.
// Type "none" exports plaintext.
type ExportConfig struct {
	Type           string `toml:"type"` // "age" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Journal: JournalConfig{
			PendingTimeoutMinutes: 30,
		},
		Export: ExportConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "fsledger.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "fsledger.key"),
		},
	}
}

// ReadFromFile reads configuration from a TOML file.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes configuration from r and applies defaults for omitted
// sections.
func Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.Type == "sqlite" && cfg.Database.DataDir == "" && cfg.BaseDir != "" {
		cfg.Database.DataDir = filepath.Join(cfg.BaseDir, "data")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Journal.PendingTimeoutMinutes <= 0 {
		cfg.Journal.PendingTimeoutMinutes = 30
	}
	if cfg.Export.Type == "" {
		cfg.Export.Type = "none"
	}
	return &cfg, nil
}

// Init writes cfg to path, refusing to clobber an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
