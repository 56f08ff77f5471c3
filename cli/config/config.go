// Package config loads YAML recipe files and resolves process settings
// from flags and environment variables, then assembles the runnable
// recipe and its backends.
package config

import (
	"fmt"
	"time"
)

// Config represents one recipe YAML file. Strategy configs are passed
// to the registry untouched, so locators and loaders validate their own
// fields.
type Config struct {
	RecipeID string        `yaml:"recipe_id"`
	Pools    PoolsConfig   `yaml:"pools"`
	Locators []Strategy    `yaml:"locators"`
	Loader   Strategy      `yaml:"loader"`
	Notify   NotifyConfig  `yaml:"notify"`
	Storage  StorageConfig `yaml:"storage"`
}

// Strategy names a registered factory and carries its raw config.
type Strategy struct {
	Strategy string         `yaml:"strategy"`
	Config   map[string]any `yaml:"config"`
}

// PoolsConfig declares the recipe's connection pools.
type PoolsConfig struct {
	HTTP map[string]HTTPPoolConfig `yaml:"http"`
	SFTP *SFTPPoolConfig           `yaml:"sftp"`
}

// HTTPPoolConfig is one named HTTP pool. The map key in PoolsConfig is
// the pool name strategies reference.
type HTTPPoolConfig struct {
	Timeout        Duration          `yaml:"timeout"`
	RatePerSecond  float64           `yaml:"rate_per_second"`
	MaxRetries     int               `yaml:"max_retries"`
	MaxRedirects   int               `yaml:"max_redirects"`
	PoolMaxSize    int               `yaml:"pool_max_size"`
	DefaultHeaders map[string]string `yaml:"default_headers"`
	Auth           AuthConfig        `yaml:"auth"`
}

// AuthConfig selects the auth mechanism for an HTTP pool.
type AuthConfig struct {
	// Type is none, basic, bearer, or oauth. Empty means none.
	Type string `yaml:"type"`
	// ConfigName scopes credential lookups.
	ConfigName string `yaml:"config_name"`
	// TokenURL is the OAuth token endpoint.
	TokenURL string `yaml:"token_url"`
}

// SFTPPoolConfig is the recipe's SFTP pool.
type SFTPPoolConfig struct {
	Name           string   `yaml:"name"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	BaseDir        string   `yaml:"base_dir"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	MaxRetries     int      `yaml:"max_retries"`
	PoolMaxSize    int      `yaml:"pool_max_size"`
}

// NotifyConfig declares completion notifications. Queue URL resolution
// falls back to the process settings when empty here.
type NotifyConfig struct {
	QueueURL string `yaml:"queue_url"`
}

// StorageConfig holds per-recipe storage overrides.
type StorageConfig struct {
	// Backend is s3 or file. Empty defers to the process settings.
	Backend    string `yaml:"backend"`
	Bucket     string `yaml:"bucket"`
	RegistryID string `yaml:"registry_id"`
	Path       string `yaml:"path"`
	Region     string `yaml:"region"`
	Endpoint   string `yaml:"endpoint"`
	// Decorators wrap the sink, outermost first: gunzip, untar, tar.
	Decorators []string `yaml:"decorators"`
}

// Validate checks the structural invariants a recipe file must satisfy
// before any strategy-level validation runs.
func (c *Config) Validate() error {
	if c.RecipeID == "" {
		return fmt.Errorf("recipe file missing recipe_id")
	}
	if c.Loader.Strategy == "" {
		return fmt.Errorf("recipe %q missing loader strategy", c.RecipeID)
	}
	for i, loc := range c.Locators {
		if loc.Strategy == "" {
			return fmt.Errorf("recipe %q locator %d missing strategy", c.RecipeID, i)
		}
	}
	return nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
