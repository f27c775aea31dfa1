package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"), nil)
	if err != nil {
		t.Fatalf("LoadFile() unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Workers != 4 {
		t.Errorf("Expected default workers 4, got %d", cfg.Workers)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("Expected default max_retries 3, got %d", cfg.MaxRetries)
	}
	if !cfg.Watch {
		t.Error("Expected watch enabled by default")
	}
	if len(cfg.Platforms) != 1 || cfg.Platforms[0] != "pc" {
		t.Errorf("Expected default platforms [pc], got %v", cfg.Platforms)
	}
	if len(cfg.MetadataExtensions) != 1 || cfg.MetadataExtensions[0] != ".assetinfo" {
		t.Errorf("Expected default metadata extensions [.assetinfo], got %v", cfg.MetadataExtensions)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asset-pipeline.toml")
	content := `
port = 9090
workers = 2
platforms = ["pc", "android"]

[[scan_folders]]
path = "Assets"
portable_key = "game"
root = true

[[scan_folders]]
path = "Gems/Shared"
portable_key = "shared"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFile() unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Port)
	}
	if cfg.Workers != 2 {
		t.Errorf("Expected workers 2, got %d", cfg.Workers)
	}
	if len(cfg.ScanFolders) != 2 {
		t.Fatalf("Expected 2 scan folders, got %d", len(cfg.ScanFolders))
	}
	if cfg.ScanFolders[0].PortableKey != "game" || !cfg.ScanFolders[0].Root {
		t.Errorf("Unexpected first scan folder: %+v", cfg.ScanFolders[0])
	}
	if len(cfg.Platforms) != 2 {
		t.Errorf("Expected 2 platforms, got %v", cfg.Platforms)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asset-pipeline.toml")
	if err := os.WriteFile(path, []byte("port = 9090\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("ASSET_PIPELINE_PORT", "7070")

	cfg, err := LoadFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFile() unexpected error: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Expected env var to win with port 7070, got %d", cfg.Port)
	}
}

func TestValidateRejectsDuplicatePortableKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asset-pipeline.toml")
	content := `
[[scan_folders]]
path = "A"
portable_key = "same"

[[scan_folders]]
path = "B"
portable_key = "same"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := LoadFile(path, nil); err == nil {
		t.Error("Expected error for duplicate portable keys")
	}
}

func TestValidateRejectsMissingPortableKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asset-pipeline.toml")
	content := `
[[scan_folders]]
path = "A"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := LoadFile(path, nil); err == nil {
		t.Error("Expected error for scan folder without portable_key")
	}
}

func TestValidateRejectsBadRetries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asset-pipeline.toml")
	if err := os.WriteFile(path, []byte("max_retries = 0\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := LoadFile(path, nil); err == nil {
		t.Error("Expected error for max_retries below 1")
	}
}
