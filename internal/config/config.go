// Package config loads host settings from defaults, an optional file and
// WASMOO_* environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/wasmoo/internal/bridge"
	"github.com/woxQAQ/wasmoo/internal/loader"
	"github.com/woxQAQ/wasmoo/internal/wasm"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// WASMOO_ENGINE_STACK_SIZE_MB.
	EnvPrefix = "WASMOO"

	// EnvConfigPath names the variable holding the config file path.
	EnvConfigPath = "WASMOO_CONFIG"
)

// HostConfig is the complete host configuration.
type HostConfig struct {
	LogLevel string       `mapstructure:"log_level"`
	Engine   EngineConfig `mapstructure:"engine"`
	Guest    GuestConfig  `mapstructure:"guest"`
}

// EngineConfig holds Wasm engine configuration.
type EngineConfig struct {
	// Memory limit per guest (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Keep DWARF debug info for guest traces.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory. Empty keeps the cache in memory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent guest instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Goroutine stack ceiling in MiB.
	StackSizeMB int `mapstructure:"stack_size_mb"`
	// Core feature names, see wasm.ParseFeatures.
	Features []string `mapstructure:"features"`
	// Provide wasi_snapshot_preview1 to guests.
	WASI bool `mapstructure:"wasi"`
	// Largest single read served through the bridge, in bytes.
	MaxRead int `mapstructure:"max_read"`
}

// GuestConfig selects the guest program.
type GuestConfig struct {
	AssetPath   string `mapstructure:"asset_path"`
	Entry       string `mapstructure:"entry"`
	Name        string `mapstructure:"name"`
	StackFrames int    `mapstructure:"stack_frames"`
}

// Load reads configuration. An empty configPath uses defaults and the
// environment only.
func Load(configPath string) (*HostConfig, error) {
	v := viper.New()

	engine := wasm.DefaultRuntimeConfig()
	guest := loader.DefaultConfig()

	v.SetDefault("log_level", "info")

	v.SetDefault("engine.memory_pages", engine.MemoryPages)
	v.SetDefault("engine.debug", engine.DebugEnabled)
	v.SetDefault("engine.cache_dir", engine.CacheDir)
	v.SetDefault("engine.max_instances", engine.MaxInstances)
	v.SetDefault("engine.stack_size_mb", engine.StackSizeMB)
	v.SetDefault("engine.features", engine.Features)
	v.SetDefault("engine.wasi", engine.WASI)
	v.SetDefault("engine.max_read", bridge.DefaultMaxRead)

	v.SetDefault("guest.asset_path", guest.AssetPath)
	v.SetDefault("guest.entry", guest.Entry)
	v.SetDefault("guest.name", guest.Name)
	v.SetDefault("guest.stack_frames", guest.StackFrames)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	var cfg HostConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the engine or loader would fail on later.
func (c *HostConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := wasm.ParseFeatures(c.Engine.Features); err != nil {
		return fmt.Errorf("engine.features: %w", err)
	}
	if c.Engine.MaxRead <= 0 {
		return fmt.Errorf("engine.max_read must be positive, got %d", c.Engine.MaxRead)
	}
	if c.Guest.AssetPath == "" {
		return fmt.Errorf("guest.asset_path must be set")
	}
	if c.Guest.Entry == "" {
		return fmt.Errorf("guest.entry must be set")
	}
	if c.Guest.StackFrames <= 0 {
		return fmt.Errorf("guest.stack_frames must be positive, got %d", c.Guest.StackFrames)
	}
	return nil
}

// Level returns the configured log level.
func (c *HostConfig) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// RuntimeConfig converts the engine section for wasm.Initialize.
func (c *HostConfig) RuntimeConfig() *wasm.RuntimeConfig {
	return &wasm.RuntimeConfig{
		MemoryPages:  c.Engine.MemoryPages,
		DebugEnabled: c.Engine.Debug,
		CacheDir:     c.Engine.CacheDir,
		MaxInstances: c.Engine.MaxInstances,
		StackSizeMB:  c.Engine.StackSizeMB,
		Features:     append([]string(nil), c.Engine.Features...),
		WASI:         c.Engine.WASI,
	}
}

// LoaderConfig converts the guest section for loader.New.
func (c *HostConfig) LoaderConfig() loader.Config {
	return loader.Config{
		AssetPath:   c.Guest.AssetPath,
		Entry:       c.Guest.Entry,
		Name:        c.Guest.Name,
		StackFrames: c.Guest.StackFrames,
	}
}
