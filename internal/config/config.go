package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/tuannm99/novasort/internal/storage"
)

// SortConfig is the tuning surface of the sort engine. Everything the
// engine consumes is explicit; this loader is the only place viper
// appears.
type SortConfig struct {
	Sort struct {
		PageSize    int    `mapstructure:"page_size"`
		BufferPages int    `mapstructure:"buffer_pages"`
		TempDir     string `mapstructure:"temp_dir"`
	} `mapstructure:"sort"`
}

// Default returns the configuration used when no file is given.
func Default() *SortConfig {
	var cfg SortConfig
	cfg.Sort.PageSize = storage.DefaultPageSize
	cfg.Sort.BufferPages = 128
	cfg.Sort.TempDir = ""
	return &cfg
}

// Load reads a YAML config file and fills in defaults for anything it
// omits.
func Load(path string) (*SortConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("sort.page_size", storage.DefaultPageSize)
	v.SetDefault("sort.buffer_pages", 128)
	v.SetDefault("sort.temp_dir", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg SortConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Sort.PageSize <= 0 {
		cfg.Sort.PageSize = storage.DefaultPageSize
	}
	if cfg.Sort.BufferPages <= 0 {
		cfg.Sort.BufferPages = 128
	}

	return &cfg, nil
}
