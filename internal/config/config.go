// Package config loads traceimport's YAML configuration file, the same
// yaml.v3-based pattern the wider trace-processing system's agent
// binary uses for its own on-disk config rather than flags alone.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is traceimport's on-disk configuration.
type Config struct {
	// ListenAddr is the address the metrics HTTP handler binds to.
	// Empty disables the metrics server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// FeedChunkBytes overrides the default chunk size the pipeline
	// reads input in; 0 keeps the built-in default.
	FeedChunkBytes int `yaml:"feed_chunk_bytes"`
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	return Config{
		ListenAddr: "",
		LogLevel:   "info",
	}
}

// Load parses a YAML config file at path, layering it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
