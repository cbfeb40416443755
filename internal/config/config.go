// Package config loads the engine's on-disk configuration: data directory,
// per-BufferType pool sizes, and the page size the volumes on disk were
// formatted with.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/plcoredb/plcore/internal/storage"
)

// EngineConfig is the root-level file loaded at startup.
type EngineConfig struct {
	Storage struct {
		DataDir  string `mapstructure:"data_dir"`
		PageSize int    `mapstructure:"page_size"`
	} `mapstructure:"storage"`
	BufferPool struct {
		DataFrames  int `mapstructure:"data_frames"`
		IndexFrames int `mapstructure:"index_frames"`
	} `mapstructure:"buffer_pool"`
}

func Load(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("storage.page_size", storage.PageSize)
	v.SetDefault("buffer_pool.data_frames", 256)
	v.SetDefault("buffer_pool.index_frames", 256)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if cfg.Storage.PageSize != storage.PageSize {
		return nil, fmt.Errorf("config: storage.page_size %d does not match compiled PageSize %d", cfg.Storage.PageSize, storage.PageSize)
	}
	return &cfg, nil
}

// PoolSizes converts the config's frame counts into the shape
// bufferpool.NewPoolSet expects.
func (c *EngineConfig) PoolSizes() [storage.NumBufTypes]int {
	var sizes [storage.NumBufTypes]int
	sizes[storage.BufTypeData] = c.BufferPool.DataFrames
	sizes[storage.BufTypeIndex] = c.BufferPool.IndexFrames
	return sizes
}
