package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/tendant/imgpixel/internal/logging"
	"github.com/tendant/imgpixel/pkg/pipeline"
)

// Preview backends
const (
	PreviewMemory     = "memory"
	PreviewFilesystem = "filesystem"
)

// Config holds client and stub settings. Values are layered: defaults, then
// the optional TOML file, then .env, then the environment.
type Config struct {
	// Base URL of the background-removal service
	APIURL                string `toml:"api_url" env:"IMGPIXEL_API_URL"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds" env:"IMGPIXEL_REQUEST_TIMEOUT_SECONDS"`

	OutputDir      string `toml:"output_dir" env:"IMGPIXEL_OUTPUT_DIR"`
	PreviewBackend string `toml:"preview_backend" env:"IMGPIXEL_PREVIEW_BACKEND"`
	PreviewDir     string `toml:"preview_dir" env:"IMGPIXEL_PREVIEW_DIR"`

	// Empty DSN disables the ledger
	LedgerDriver string `toml:"ledger_driver" env:"IMGPIXEL_LEDGER_DRIVER"`
	LedgerDSN    string `toml:"ledger_dsn" env:"IMGPIXEL_LEDGER_DSN"`

	LogLevel    string `toml:"log_level" env:"IMGPIXEL_LOG_LEVEL"`
	LogFormat   string `toml:"log_format" env:"IMGPIXEL_LOG_FORMAT"`
	MetricsAddr string `toml:"metrics_addr" env:"IMGPIXEL_METRICS_ADDR"`

	DefaultFormat     string `toml:"default_format" env:"IMGPIXEL_DEFAULT_FORMAT"`
	DefaultResolution string `toml:"default_resolution" env:"IMGPIXEL_DEFAULT_RESOLUTION"`

	// Development stub server
	StubAddr       string `toml:"stub_addr" env:"IMGPIXEL_STUB_ADDR"`
	StubStorageDir string `toml:"stub_storage_dir" env:"IMGPIXEL_STUB_STORAGE_DIR"`
}

// Default returns the built-in settings
func Default() Config {
	defaults := pipeline.DefaultExportOptions()
	return Config{
		APIURL:                "http://localhost:5000",
		RequestTimeoutSeconds: 120,
		OutputDir:             ".",
		PreviewBackend:        PreviewMemory,
		LedgerDriver:          "sqlite",
		LogLevel:              "info",
		LogFormat:             logging.FormatAuto,
		DefaultFormat:         string(defaults.Format),
		DefaultResolution:     string(defaults.Resolution),
		StubAddr:              ":5000",
		StubStorageDir:        "./dev-data",
	}
}

// Load builds the configuration. An empty path skips the TOML file; a missing
// .env file is ignored.
func Load(path string) (*Config, error) {
	return load(path, ".env")
}

func load(path string, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unusable settings
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api_url must be an absolute URL, got %q", c.APIURL)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive, got %d", c.RequestTimeoutSeconds)
	}
	switch c.PreviewBackend {
	case PreviewMemory, PreviewFilesystem:
	default:
		return fmt.Errorf("preview_backend must be %q or %q, got %q", PreviewMemory, PreviewFilesystem, c.PreviewBackend)
	}
	switch c.LedgerDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("ledger_driver must be sqlite or postgres, got %q", c.LedgerDriver)
	}
	switch c.LogFormat {
	case logging.FormatAuto, logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("log_format must be auto, console or json, got %q", c.LogFormat)
	}
	if _, err := c.ExportDefaults(); err != nil {
		return err
	}
	return nil
}

// RequestTimeout returns the per-request timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ExportDefaults returns the initial export options
func (c *Config) ExportDefaults() (pipeline.ExportOptions, error) {
	f, err := pipeline.ParseFormat(c.DefaultFormat)
	if err != nil {
		return pipeline.ExportOptions{}, fmt.Errorf("default_format: %w", err)
	}
	r, err := pipeline.ParseResolution(c.DefaultResolution)
	if err != nil {
		return pipeline.ExportOptions{}, fmt.Errorf("default_resolution: %w", err)
	}
	return pipeline.ExportOptions{Format: f, Resolution: r}, nil
}
