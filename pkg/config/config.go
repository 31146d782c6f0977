// Package config loads the engine's on-disk configuration: device paths
// and sizes, cache pool size, and the reserved-block fraction, the way
// internal/ticket/config.go loads ticket configuration — a JSONC base file
// parsed with tailscale/hujson, overlaid by an optional YAML file for
// environment-specific overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Config holds every setting needed to mount an engine.
type Config struct {
	MainDevicePath  string `json:"main_device_path" yaml:"main_device_path"`
	SuperDevicePath string `json:"super_device_path" yaml:"super_device_path"`

	BlockSize uint64 `json:"block_size,omitempty" yaml:"block_size,omitempty"`

	CachePoolSize int `json:"cache_pool_size,omitempty" yaml:"cache_pool_size,omitempty"`
	QueueCapacity int `json:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty"`

	// ReservedFraction is the fraction of total blocks kept unallocatable
	// as headroom, in [0,1).
	ReservedFraction float64 `json:"reserved_fraction,omitempty" yaml:"reserved_fraction,omitempty"`

	AllowReformat bool `json:"allow_reformat,omitempty" yaml:"allow_reformat,omitempty"`

	// Overlay is the path to an optional YAML file whose fields, when
	// present, take precedence over everything loaded so far.
	Overlay string `json:"-" yaml:"-"`
}

// DefaultConfig returns the configuration used when a field is absent from
// every loaded file.
func DefaultConfig() Config {
	return Config{
		BlockSize:        4096,
		CachePoolSize:    1024,
		QueueCapacity:    64,
		ReservedFraction: 0.05,
	}
}

// Load reads a base JSONC config from path, then — if overlayPath is
// non-empty — overlays a YAML file on top, then validates the result.
// Fields absent or zero-valued in an overlay leave the base value intact,
// the same "overlay wins only where set" precedence
// internal/ticket/config.go applies across its global/project/CLI layers.
func Load(path, overlayPath string) (Config, error) {
	cfg := DefaultConfig()

	base, err := loadJSONC(path)
	if err != nil {
		return Config{}, err
	}

	cfg = merge(cfg, base)

	if overlayPath != "" {
		overlay, err := loadYAML(overlayPath)
		if err != nil {
			return Config{}, err
		}

		cfg = merge(cfg, overlay)
		cfg.Overlay = overlayPath
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadJSONC(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}

		return Config{}, fmt.Errorf("%w: %s", ErrFileRead, path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: invalid JSONC: %w", ErrInvalid, path, err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w %s: invalid JSON: %w", ErrInvalid, path, err)
	}

	if !filepath.IsAbs(cfg.MainDevicePath) && cfg.MainDevicePath != "" {
		cfg.MainDevicePath = filepath.Join(filepath.Dir(path), cfg.MainDevicePath)
	}

	if !filepath.IsAbs(cfg.SuperDevicePath) && cfg.SuperDevicePath != "" {
		cfg.SuperDevicePath = filepath.Join(filepath.Dir(path), cfg.SuperDevicePath)
	}

	return cfg, nil
}

func loadYAML(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}

		return Config{}, fmt.Errorf("%w: %s", ErrFileRead, path)
	}

	var cfg Config

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w %s: invalid YAML: %w", ErrInvalid, path, err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.MainDevicePath != "" {
		base.MainDevicePath = overlay.MainDevicePath
	}

	if overlay.SuperDevicePath != "" {
		base.SuperDevicePath = overlay.SuperDevicePath
	}

	if overlay.BlockSize != 0 {
		base.BlockSize = overlay.BlockSize
	}

	if overlay.CachePoolSize != 0 {
		base.CachePoolSize = overlay.CachePoolSize
	}

	if overlay.QueueCapacity != 0 {
		base.QueueCapacity = overlay.QueueCapacity
	}

	if overlay.ReservedFraction != 0 {
		base.ReservedFraction = overlay.ReservedFraction
	}

	if overlay.AllowReformat {
		base.AllowReformat = true
	}

	return base
}

func validate(cfg Config) error {
	if cfg.MainDevicePath == "" {
		return ErrMainPathEmpty
	}

	if cfg.SuperDevicePath == "" {
		return ErrSuperPathEmpty
	}

	if cfg.BlockSize == 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return ErrBlockSizeInvalid
	}

	if cfg.ReservedFraction < 0 || cfg.ReservedFraction >= 1 {
		return ErrReservedFractionInvalid
	}

	return nil
}
