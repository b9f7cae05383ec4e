// Package config loads and validates the umdblock CLI configuration.
package config

import (
	"fmt"
	"slices"

	"github.com/spf13/viper"
)

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // text or json
	File       string `mapstructure:"file"`        // empty = stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // rotation threshold
	MaxBackups int    `mapstructure:"max_backups"`
}

// Config is the full CLI configuration.
type Config struct {
	Log LogConfig `mapstructure:"log"`

	// Strict makes image format violations fail instead of being tolerated.
	// The permissive default matches legacy readers and is required to open
	// many images found in the wild.
	Strict bool `mapstructure:"strict"`
}

// Default returns the configuration used when no file or flags override it.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"text", "json"}
)

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if !slices.Contains(validLevels, c.Log.Level) {
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	if !slices.Contains(validFormats, c.Log.Format) {
		return fmt.Errorf("config: invalid log format %q", c.Log.Format)
	}
	if c.Log.MaxSizeMB < 0 {
		return fmt.Errorf("config: log max_size_mb must not be negative")
	}
	if c.Log.MaxBackups < 0 {
		return fmt.Errorf("config: log max_backups must not be negative")
	}
	return nil
}

// Load reads the configuration from the given file (optional) merged over the
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("strict", def.Strict)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
