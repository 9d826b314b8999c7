// Package config handles configuration loading for the solar layer server.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration. Values come from the YAML
// file first; environment variables override individual fields.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" env:"SERVER_PORT"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
}

// ProviderConfig contains imagery provider settings.
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url" env:"PROVIDER_BASE_URL"`
	APIKey         string `yaml:"api_key" env:"PROVIDER_API_KEY"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"PROVIDER_TIMEOUT_SECONDS"`
	MaxRetries     int    `yaml:"max_retries" env:"PROVIDER_MAX_RETRIES"`
	BufferTTLMin   int    `yaml:"buffer_ttl_minutes" env:"PROVIDER_BUFFER_TTL_MINUTES"`
	BufferMaxItems int64  `yaml:"buffer_max_items" env:"PROVIDER_BUFFER_MAX_ITEMS"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultSizeMB     int `yaml:"result_size_mb" env:"CACHE_RESULT_SIZE_MB"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes" env:"CACHE_RESULT_TTL_MINUTES"`
	RasterEntries    int `yaml:"raster_entries" env:"CACHE_RASTER_ENTRIES"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	LUTSize        int    `yaml:"lut_size" env:"RENDER_LUT_SIZE"`
	DefaultPalette string `yaml:"default_palette" env:"RENDER_DEFAULT_PALETTE"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Load reads configuration from a YAML file and overlays environment
// variables on top of it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Provider: ProviderConfig{
			BaseURL:        "https://solar.googleapis.com/v1",
			TimeoutSeconds: 30,
			MaxRetries:     3,
			BufferTTLMin:   15,
			BufferMaxItems: 256,
		},
		Cache: CacheConfig{
			ResultSizeMB:     512,
			ResultTTLMinutes: 10,
			RasterEntries:    64,
		},
		Render: RenderConfig{
			LUTSize:        256,
			DefaultPalette: "iron",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = defaults.Provider.BaseURL
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = defaults.Provider.TimeoutSeconds
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = defaults.Provider.MaxRetries
	}
	if cfg.Provider.BufferTTLMin == 0 {
		cfg.Provider.BufferTTLMin = defaults.Provider.BufferTTLMin
	}
	if cfg.Provider.BufferMaxItems == 0 {
		cfg.Provider.BufferMaxItems = defaults.Provider.BufferMaxItems
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.RasterEntries == 0 {
		cfg.Cache.RasterEntries = defaults.Cache.RasterEntries
	}
	if cfg.Render.LUTSize == 0 {
		cfg.Render.LUTSize = defaults.Render.LUTSize
	}
	if cfg.Render.DefaultPalette == "" {
		cfg.Render.DefaultPalette = defaults.Render.DefaultPalette
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}
