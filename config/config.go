// Package config loads cache and pipeline settings from YAML.
//
//	cache_root: /var/cache/tensorcache
//	capacity: 64GiB
//	transport: auto
//	block_size: 4096
//	compression: none
//	pipeline:
//	  - op: load
//	    params: {keys: [image, label], dtype: float32}
//	  - op: resize
//	    params: {keys: [image, label], size: [256, 256]}
//	  - op: rand_flip
//	    params: {keys: [image, label], prob: 0.5, axis: 1}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/meigma/tensorcache"
	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/pipeline"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/transport"
)

// FileName is the config file looked up by DefaultPath.
const FileName = "tensorcache.yaml"

// File mirrors the YAML document.
type File struct {
	CacheRoot      string        `yaml:"cache_root"`
	Capacity       string        `yaml:"capacity"`
	Transport      string        `yaml:"transport"`
	BlockSize      int           `yaml:"block_size"`
	Compression    string        `yaml:"compression"`
	FingerprintTag string        `yaml:"fingerprint_tag"`
	Pipeline       []StageConfig `yaml:"pipeline"`
}

// StageConfig is one pipeline entry. Deterministic overrides the
// determinism implied by the op when set.
type StageConfig struct {
	Op            string    `yaml:"op"`
	Deterministic *bool     `yaml:"deterministic"`
	Params        yaml.Node `yaml:"params"`
}

// Config is a validated configuration.
type Config struct {
	Source         string
	CacheRoot      string
	Capacity       int64 // bytes, 0 = unlimited
	Transport      transport.Preference
	BlockSize      int
	Compression    artifact.Compression
	FingerprintTag string
	Spec           pipeline.Spec
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Source = path
	return cfg, nil
}

// DefaultPath returns the first tensorcache.yaml found in the standard
// config locations.
func DefaultPath() (string, error) {
	var candidates []string
	if p := os.Getenv("TENSORCACHE_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		candidates = append(candidates, filepath.Join(dir, FileName))
	}
	if home := os.Getenv("HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, ".config", FileName))
	}
	candidates = append(candidates, FileName)

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", errors.New("config: no tensorcache.yaml found in standard locations")
}

// Parse decodes and validates a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return f.Resolve()
}

// Resolve validates f and converts it to a Config.
func (f File) Resolve() (*Config, error) {
	cfg := &Config{
		CacheRoot:      f.CacheRoot,
		BlockSize:      f.BlockSize,
		FingerprintTag: f.FingerprintTag,
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = artifact.DefaultBlockSize
	}
	if f.Capacity != "" {
		n, err := humanize.ParseBytes(f.Capacity)
		if err != nil {
			return nil, fmt.Errorf("capacity: %w", err)
		}
		cfg.Capacity = int64(n) //nolint:gosec // realistic capacities fit in int64
	}

	var err error
	if cfg.Transport, err = transport.ParsePreference(f.Transport); err != nil {
		return nil, err
	}
	if cfg.Compression, err = artifact.ParseCompression(f.Compression); err != nil {
		return nil, err
	}

	steps := make([]pipeline.Step, 0, len(f.Pipeline))
	for i, sc := range f.Pipeline {
		step, err := sc.Step()
		if err != nil {
			return nil, &pipeline.ConfigurationError{Step: i, Op: sc.Op, Reason: err.Error()}
		}
		steps = append(steps, step)
	}
	cfg.Spec = pipeline.NewSpec(steps...)
	if _, _, err := pipeline.Split(cfg.Spec); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CodecOptions returns the artifact encoding options.
func (c *Config) CodecOptions() []artifact.Option {
	return []artifact.Option{
		artifact.WithBlockSize(c.BlockSize),
		artifact.WithCompression(c.Compression),
	}
}

// OpenStore opens the store described by c.
func (c *Config) OpenStore(logger *slog.Logger) (*store.Store, error) {
	if c.CacheRoot == "" {
		return nil, errors.New("config: cache_root is required")
	}
	return store.New(c.CacheRoot,
		store.WithMaxBytes(c.Capacity),
		store.WithCodecOptions(c.CodecOptions()...),
		store.WithLogger(logger),
	)
}

// DatasetOptions returns the dataset options described by c.
func (c *Config) DatasetOptions(logger *slog.Logger) []tensorcache.Option {
	return []tensorcache.Option{
		tensorcache.WithTransport(c.Transport),
		tensorcache.WithBlockSize(c.BlockSize),
		tensorcache.WithFingerprintTag(c.FingerprintTag),
		tensorcache.WithLogger(logger),
	}
}

// Fingerprint returns the prefix fingerprint of the configured pipeline.
func (c *Config) Fingerprint() (string, error) {
	prefix, _, err := pipeline.Split(c.Spec)
	if err != nil {
		return "", err
	}
	d, err := pipeline.Fingerprint(prefix, c.FingerprintTag)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}
