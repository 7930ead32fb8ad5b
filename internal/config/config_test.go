package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("/data/fsledger")

	if cfg.LogDir != "/data/fsledger/log" {
		t.Errorf("LogDir = %q, want /data/fsledger/log", cfg.LogDir)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want sqlite", cfg.Database.Type)
	}
	if cfg.Database.DataDir != "/data/fsledger/data" {
		t.Errorf("Database.DataDir = %q, want /data/fsledger/data", cfg.Database.DataDir)
	}
	if cfg.Journal.PendingTimeoutMinutes != 30 {
		t.Errorf("PendingTimeoutMinutes = %d, want 30", cfg.Journal.PendingTimeoutMinutes)
	}
	if cfg.Export.Type != "age" {
		t.Errorf("Export.Type = %q, want age", cfg.Export.Type)
	}
}

func TestRead(t *testing.T) {
	t.Run("decodes a full config", func(t *testing.T) {
		doc := `
base_dir = "/srv/ledger"
log_dir = "/srv/ledger/log"
log_level = "debug"

[database]
type = "sqlite"
data_dir = "/srv/ledger/db"

[journal]
pending_timeout_minutes = 10

[export]
type = "age"
public_key_path = "/srv/ledger/keys/pub"
private_key_path = "/srv/ledger/keys/key"
`
		cfg, err := Read(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if cfg.BaseDir != "/srv/ledger" {
			t.Errorf("BaseDir = %q", cfg.BaseDir)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.Database.DataDir != "/srv/ledger/db" {
			t.Errorf("Database.DataDir = %q", cfg.Database.DataDir)
		}
		if cfg.Journal.PendingTimeoutMinutes != 10 {
			t.Errorf("PendingTimeoutMinutes = %d, want 10", cfg.Journal.PendingTimeoutMinutes)
		}
	})

	t.Run("fills defaults for omitted sections", func(t *testing.T) {
		cfg, err := Read(strings.NewReader(`base_dir = "/srv/ledger"`))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if cfg.Database.Type != "sqlite" {
			t.Errorf("Database.Type = %q, want sqlite", cfg.Database.Type)
		}
		if cfg.Database.DataDir != filepath.Join("/srv/ledger", "data") {
			t.Errorf("Database.DataDir = %q", cfg.Database.DataDir)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.Journal.PendingTimeoutMinutes != 30 {
			t.Errorf("PendingTimeoutMinutes = %d, want 30", cfg.Journal.PendingTimeoutMinutes)
		}
		if cfg.Export.Type != "none" {
			t.Errorf("Export.Type = %q, want none", cfg.Export.Type)
		}
	})

	t.Run("rejects malformed TOML", func(t *testing.T) {
		if _, err := Read(strings.NewReader("base_dir = [broken")); err == nil {
			t.Error("Read() with malformed TOML expected error")
		}
	})
}

func TestInit(t *testing.T) {
	t.Run("writes a readable config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "conf", "fsledger.toml")
		cfg := NewConfig("/srv/ledger")

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.BaseDir != cfg.BaseDir {
			t.Errorf("BaseDir = %q, want %q", got.BaseDir, cfg.BaseDir)
		}
		if got.Database.DataDir != cfg.Database.DataDir {
			t.Errorf("Database.DataDir = %q, want %q", got.Database.DataDir, cfg.Database.DataDir)
		}
	})

	t.Run("refuses to clobber an existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fsledger.toml")
		cfg := NewConfig("/srv/ledger")

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Error("second Init() expected error")
		}
	})
}
