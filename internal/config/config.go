// Package config loads the YAML configuration recognized by the courier
// CLI (spec.md §6): node identity, transfer tuning, FEC, custody, and
// storage limits.
package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"
)

// NodeConfig identifies this node and its UDP endpoint.
type NodeConfig struct {
	Port              int    `yaml:"port"`
	NodeID            string `yaml:"node_id"`
	InboundQueueDepth int    `yaml:"inbound_queue_depth"`

	// RelayTo, if set, makes this node a relay (spec.md §1(c)/§4.5): every
	// bundle its Receive Engine assembles is immediately re-submitted to
	// this host:port under the same bundle id, and custody of the full
	// range is offered to it. Empty (the default) means this node is a
	// pure endpoint and never forwards what it receives.
	RelayTo string `yaml:"relay_to"`
}

// TransferConfig tunes the Send/Receive Engines.
type TransferConfig struct {
	ChunkSize  int `yaml:"chunk_size"`
	WindowSize int `yaml:"window_size"`
	BaseRTOMs  int `yaml:"base_rto_ms"`
	MaxRTOMs   int `yaml:"max_rto_ms"`
	TTLSec     int `yaml:"ttl_sec"`
}

// FECConfig controls forward error correction on submitted bundles.
type FECConfig struct {
	Enabled bool `yaml:"enabled"`
	K       int  `yaml:"k"`
	R       int  `yaml:"r"`
}

// CustodyConfig tunes the Custody Manager's retry and release behavior.
type CustodyConfig struct {
	MaxRetries     int     `yaml:"max_retries"`
	BackoffBaseSec float64 `yaml:"backoff_base_sec"`
	BackoffCapSec  float64 `yaml:"backoff_cap_sec"`
	ReleasePolicy  string  `yaml:"release_policy"` // "eager" or "deferred"
}

// StorageConfig bounds how much custody data a node will hold.
type StorageConfig struct {
	CapBytes int64 `yaml:"cap_bytes"`
}

// Config is the root of the YAML configuration tree.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Transfer TransferConfig `yaml:"transfer"`
	FEC      FECConfig      `yaml:"fec"`
	Custody  CustodyConfig  `yaml:"custody"`
	Storage  StorageConfig  `yaml:"storage"`
}

// Default returns the configuration spec.md §6 describes when no file, or
// no matching key, is present.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Port:              9100,
			NodeID:            "",
			InboundQueueDepth: 1024,
			RelayTo:           "",
		},
		Transfer: TransferConfig{
			ChunkSize:  1150,
			WindowSize: 64,
			BaseRTOMs:  50,
			MaxRTOMs:   5000,
			TTLSec:     300,
		},
		FEC: FECConfig{
			Enabled: false,
			K:       4,
			R:       2,
		},
		Custody: CustodyConfig{
			MaxRetries:     10,
			BackoffBaseSec: 2,
			BackoffCapSec:  64,
			ReleasePolicy:  "eager",
		},
		Storage: StorageConfig{
			CapBytes: 1 << 30,
		},
	}
}

// Load reads and unmarshals the YAML file at path on top of Default(), so
// any key the file omits keeps its documented default. A missing file is
// not an error — it is equivalent to an empty one.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
