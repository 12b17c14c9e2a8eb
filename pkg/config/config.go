package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	API struct {
		Key       string        `yaml:"key" json:"key" jsonschema:"description=API key (can use environment variable)"`
		BaseURL   string        `yaml:"base_url" json:"base_url" jsonschema:"default=https://api.mobygames.com/v1,description=Metadata API base URL"`
		RateLimit time.Duration `yaml:"rate_limit" json:"rate_limit" jsonschema:"default=10s,description=Minimum gap between requests, depends on API tier"`
		PageSize  int           `yaml:"page_size" json:"page_size" jsonschema:"default=100,description=Listing page size the API serves"`
		UserAgent string        `yaml:"user_agent" json:"user_agent" jsonschema:"default=catadump/1.0,description=User agent for API requests"`
	} `yaml:"api" json:"api" jsonschema:"description=Remote API configuration"`

	Cache struct {
		Dir      string `yaml:"dir" json:"dir" jsonschema:"default=cache,description=Cache directory for the file backend"`
		Backend  string `yaml:"backend" json:"backend" jsonschema:"default=file,enum=file,enum=sqlite,description=Cache storage backend"`
		DSN      string `yaml:"dsn" json:"dsn" jsonschema:"default=file:catadump.db?cache=shared&mode=rwc,description=Connection string for the sqlite backend"`
		Compress bool   `yaml:"compress" json:"compress" jsonschema:"default=true,description=Gzip cached responses on disk"`
	} `yaml:"cache" json:"cache" jsonschema:"description=Response cache configuration"`

	Output struct {
		Dir       string `yaml:"dir" json:"dir" jsonschema:"default=output,description=Directory for exported files"`
		Format    string `yaml:"format" json:"format" jsonschema:"default=delimited,enum=none,enum=delimited,enum=json,enum=both,description=Which output files to write"`
		Delimiter string `yaml:"delimiter" json:"delimiter" jsonschema:"description=Single-character field separator for delimited files, tab by default"`
		Prefix    string `yaml:"prefix" json:"prefix" jsonschema:"description=Prefix for output filenames"`
	} `yaml:"output" json:"output" jsonschema:"description=Export output configuration"`

	Notify struct {
		DiscordWebhook string `yaml:"discord_webhook" json:"discord_webhook" jsonschema:"description=Discord webhook URL for progress notifications (can use environment variable)"`
	} `yaml:"notify" json:"notify" jsonschema:"description=Progress notification configuration"`

	Dropbox DropboxConfig `yaml:"dropbox" json:"dropbox" jsonschema:"description=Dropbox upload configuration"`
}

// DropboxConfig holds the optional Dropbox upload settings
type DropboxConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled" jsonschema:"default=false,description=Zip and upload export files to Dropbox"`
	AppKey       string `yaml:"app_key" json:"app_key" jsonschema:"description=Dropbox app key"`
	AppSecret    string `yaml:"app_secret" json:"app_secret" jsonschema:"description=Dropbox app secret"`
	RefreshToken string `yaml:"refresh_token" json:"refresh_token" jsonschema:"description=Dropbox refresh token"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, used when no
// config file is given and everything comes from flags and environment.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

// SetDefaults fills zero-valued fields with their defaults
func (c *Config) SetDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://api.mobygames.com/v1"
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = 10 * time.Second
	}
	if c.API.PageSize == 0 {
		c.API.PageSize = 100
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = "catadump/1.0"
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = "cache"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "file"
	}
	if c.Cache.DSN == "" {
		c.Cache.DSN = "file:catadump.db?cache=shared&mode=rwc"
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Output.Format == "" {
		c.Output.Format = "delimited"
	}
	if c.Output.Delimiter == "" {
		c.Output.Delimiter = "\t"
	}
}

// Validate checks the configuration for correctness. The entry point calls
// it again after flag overrides land on top of a loaded or default config,
// so flags can't sneak in values the file loader would have rejected.
func (c *Config) Validate() error { return validate(c) }

// validate checks configuration for correctness
func validate(cfg *Config) error {
	switch cfg.Cache.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	switch cfg.Output.Format {
	case "none", "delimited", "json", "both":
	default:
		return fmt.Errorf("unknown output format %q", cfg.Output.Format)
	}
	if len([]rune(cfg.Output.Delimiter)) != 1 {
		return fmt.Errorf("delimiter must be a single character, got %q", cfg.Output.Delimiter)
	}
	if cfg.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must be non-negative")
	}
	if cfg.Dropbox.Enabled {
		if cfg.Dropbox.AppKey == "" || cfg.Dropbox.AppSecret == "" || cfg.Dropbox.RefreshToken == "" {
			return fmt.Errorf("dropbox upload needs app_key, app_secret and refresh_token")
		}
	}
	return nil
}
