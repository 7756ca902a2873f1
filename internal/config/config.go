// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const FileName = "config"

type FileClass struct {
	Name     string   `mapstructure:"name"`
	Patterns []string `mapstructure:"patterns"`
	Strategy string   `mapstructure:"strategy"` // merge, skip, external
	Command  string   `mapstructure:"command"`
}

type Compression struct {
	MinSize int `mapstructure:"min_size"`
	Level   int `mapstructure:"level"`
}

type Config struct {
	LogLevel string `mapstructure:"log_level"` // debug, info, warn, error

	Repo struct {
		Path        string      `mapstructure:"path"`
		CacheSize   int         `mapstructure:"cache_size"`
		Compression Compression `mapstructure:"compression"`
	} `mapstructure:"repo"`

	Merge struct {
		DefaultStrategy string      `mapstructure:"default_strategy"`
		FileClasses     []FileClass `mapstructure:"fileclasses"`
	} `mapstructure:"merge"`

	Resolve struct {
		// Existence resolutions are structural and skip content backups
		// unless this is set.
		ExistenceBackups bool `mapstructure:"existence_backups"`
	} `mapstructure:"resolve"`

	Revert struct {
		Backups bool `mapstructure:"backups"`
	} `mapstructure:"revert"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	cfg := &Config{LogLevel: "warn"}
	cfg.Repo.Path = ".vv/repo"
	cfg.Repo.CacheSize = 1000
	cfg.Repo.Compression = Compression{MinSize: 1024, Level: 2}
	cfg.Merge.DefaultStrategy = "merge"
	cfg.Merge.FileClasses = []FileClass{
		{
			Name:     "binary",
			Patterns: []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.zip", "*.gz", "*.pdf"},
			Strategy: "skip",
		},
	}
	cfg.Revert.Backups = true
	return cfg
}

// Load reads dir/config.{yaml,json,toml} and VV_* environment variables over
// the defaults. A missing file is not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(FileName)
	v.AddConfigPath(dir)

	def := Default()
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("repo.path", def.Repo.Path)
	v.SetDefault("repo.cache_size", def.Repo.CacheSize)
	v.SetDefault("repo.compression.min_size", def.Repo.Compression.MinSize)
	v.SetDefault("repo.compression.level", def.Repo.Compression.Level)
	v.SetDefault("merge.default_strategy", def.Merge.DefaultStrategy)
	v.SetDefault("merge.fileclasses", def.Merge.FileClasses)
	v.SetDefault("resolve.existence_backups", def.Resolve.ExistenceBackups)
	v.SetDefault("revert.backups", def.Revert.Backups)

	v.SetEnvPrefix("VV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks enum fields.
func (c *Config) Validate() error {
	if !validStrategy(c.Merge.DefaultStrategy) || c.Merge.DefaultStrategy == "external" {
		return fmt.Errorf("invalid default merge strategy %q", c.Merge.DefaultStrategy)
	}
	for _, fc := range c.Merge.FileClasses {
		if !validStrategy(fc.Strategy) {
			return fmt.Errorf("file class %q: invalid strategy %q", fc.Name, fc.Strategy)
		}
		if fc.Strategy == "external" && fc.Command == "" {
			return fmt.Errorf("file class %q: external strategy needs a command", fc.Name)
		}
	}
	return nil
}

// RepoPath resolves the repository path relative to the working copy root.
func (c *Config) RepoPath(root string) string {
	if filepath.IsAbs(c.Repo.Path) {
		return c.Repo.Path
	}
	return filepath.Join(root, c.Repo.Path)
}

func validStrategy(s string) bool {
	switch s {
	case "merge", "skip", "external":
		return true
	}
	return false
}
