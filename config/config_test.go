package config

import (
	"path/filepath"
	"testing"
)

func TestSaveAndLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := &Config{
		Port:        9090,
		Root:        dir,
		Token:       "tok-abc",
		JWTSecret:   "deadbeef",
		DisableAuth: false,
		Aliases:     map[string]string{"claude": "/usr/local/bin/claude"},
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Port != 9090 {
		t.Fatalf("Port = %d, want 9090", loaded.Port)
	}
	if loaded.Token != "tok-abc" {
		t.Fatalf("Token = %q, want %q", loaded.Token, "tok-abc")
	}
	if loaded.Aliases["claude"] != "/usr/local/bin/claude" {
		t.Fatalf("Aliases[claude] = %q, want override path", loaded.Aliases["claude"])
	}
}

func TestLoad_AppliesDefaultsForZeroValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := Save(&Config{Token: "tok"}, path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("Port = %d, want default 8080", cfg.Port)
	}
	if cfg.Root == "" {
		t.Fatal("Root should default to the user home directory")
	}
	if cfg.GCThresholdMB != 1024 {
		t.Fatalf("GCThresholdMB = %d, want default 1024", cfg.GCThresholdMB)
	}
	if cfg.WarnThresholdMB != 2048 {
		t.Fatalf("WarnThresholdMB = %d, want default 2048", cfg.WarnThresholdMB)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want error for missing file")
	}
}

func TestConfig_ThresholdBytesConvertMegabytesToBytes(t *testing.T) {
	cfg := &Config{GCThresholdMB: 1024, WarnThresholdMB: 2048}
	if got := cfg.GCThresholdBytes(); got != 1024*1024*1024 {
		t.Fatalf("GCThresholdBytes() = %d, want %d", got, 1024*1024*1024)
	}
	if got := cfg.WarnThresholdBytes(); got != 2048*1024*1024 {
		t.Fatalf("WarnThresholdBytes() = %d, want %d", got, 2048*1024*1024)
	}
}

func TestDefaultPath_ReturnsConfigYAMLNextToExecutable(t *testing.T) {
	path := DefaultPath()
	if filepath.Base(path) != "config.yaml" {
		t.Fatalf("DefaultPath() = %q, want a config.yaml basename", path)
	}
	if !filepath.IsAbs(path) {
		t.Fatalf("DefaultPath() = %q, want an absolute path", path)
	}
}
