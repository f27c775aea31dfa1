package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// ScanFolder configures one watched source root
type ScanFolder struct {
	Path        string `koanf:"path"`
	DisplayName string `koanf:"display_name"`
	PortableKey string `koanf:"portable_key"`
	Root        bool   `koanf:"root"`
}

// Config holds all configuration for the asset pipeline
type Config struct {
	ScanFolders []ScanFolder `koanf:"scan_folders"`

	CacheRoot    string   `koanf:"cache_root"`
	DatabasePath string   `koanf:"database"`
	Platforms    []string `koanf:"platforms"`

	Port  int  `koanf:"port"`
	Watch bool `koanf:"watch"`

	// Workers is the size of the local compile worker pool
	Workers int `koanf:"workers"`

	// MaxRetries bounds re-queueing of a file after transient I/O errors
	// before its jobs are marked failed
	MaxRetries int `koanf:"max_retries"`

	DebounceQuietMs int `koanf:"debounce_quiet_ms"`
	DebounceMaxMs   int `koanf:"debounce_max_ms"`

	// MetadataExtensions are sidecar suffixes whose change re-triggers the
	// primary file (e.g. ".assetinfo" makes foo.tga.assetinfo trigger foo.tga)
	MetadataExtensions []string `koanf:"metadata_extensions"`

	Verbosity string `koanf:"verbosity"`
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
func Load(f *pflag.FlagSet) (*Config, error) {
	return LoadFile("asset-pipeline.toml", f)
}

// LoadFile is Load with an explicit config file path (used by tests)
func LoadFile(path string, f *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	defaults := map[string]interface{}{
		"cache_root":          "Cache",
		"database":            "assetdb.sqlite",
		"platforms":           []string{"pc"},
		"port":                8080,
		"watch":               true,
		"workers":             4,
		"max_retries":         3,
		"debounce_quiet_ms":   100,
		"debounce_max_ms":     1000,
		"metadata_extensions": []string{".assetinfo"},
		"verbosity":           "",
	}
	if err := k.Load(makeMapProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config File (optional) - asset-pipeline.toml
	// Errors ignored; the file might not exist
	_ = k.Load(file.Provider(path), toml.Parser())

	// 3. Environment Variables
	// Prefix: ASSET_PIPELINE_ (e.g., ASSET_PIPELINE_PORT=9090)
	if err := k.Load(env.Provider("ASSET_PIPELINE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, "ASSET_PIPELINE_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if f != nil {
		if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	seen := make(map[string]bool)
	for _, sf := range c.ScanFolders {
		if sf.Path == "" {
			return fmt.Errorf("scan folder with empty path")
		}
		key := sf.PortableKey
		if key == "" {
			return fmt.Errorf("scan folder %q has no portable_key", sf.Path)
		}
		if seen[key] {
			return fmt.Errorf("duplicate scan folder portable_key %q", key)
		}
		seen[key] = true
	}
	return nil
}

// Helper to use map as a provider
type mapProvider struct {
	m map[string]interface{}
}

func makeMapProvider(m map[string]interface{}) *mapProvider {
	return &mapProvider{m: m}
}

func (p *mapProvider) Read() (map[string]interface{}, error) {
	return p.m, nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
