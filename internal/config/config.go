// Package config loads and validates node configuration files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type NodeConfig struct {
	ID          string   `toml:"id"`
	Addr        string   `toml:"addr"`
	DataDir     string   `toml:"data_dir"`
	CorsOrigins []string `toml:"cors_origins"`

	// PolicyFile and AxiomFile point at the tenant admission policy
	// and the axiom definitions.
	PolicyFile string `toml:"policy_file"`
	AxiomFile  string `toml:"axiom_file"`

	// Tokens maps bearer tokens to tenant names.
	Tokens map[string]string `toml:"tokens"`

	Cluster ClusterConfig `toml:"cluster"`
	Fusion  FusionConfig  `toml:"fusion"`
	Belief  BeliefConfig  `toml:"belief"`
	Sandbox SandboxConfig `toml:"sandbox"`
}

type ClusterConfig struct {
	Peers []PeerConfig `toml:"peers"`

	ElectionTimeoutMinMS int `toml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS int `toml:"election_timeout_max_ms"`
	HeartbeatIntervalMS  int `toml:"heartbeat_interval_ms"`
}

type PeerConfig struct {
	ID   string `toml:"id"`
	Addr string `toml:"addr"`
}

type FusionConfig struct {
	DivergenceThreshold float64 `toml:"divergence_threshold"`
}

type BeliefConfig struct {
	CollapseThreshold float64 `toml:"collapse_threshold"`
	Decay             float64 `toml:"decay"`
	AllowRetraction   bool    `toml:"allow_retraction"`
	RetractionDelta   float64 `toml:"retraction_delta"`
}

type SandboxConfig struct {
	SpawnRate   float64            `toml:"spawn_rate"`
	Burst       int                `toml:"burst"`
	Calibration map[string]float64 `toml:"calibration"`
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "inquest-node"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":7400"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(".", "data", cfg.ID)
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("node config missing id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("node config missing addr")
	}
	for i, peer := range cfg.Cluster.Peers {
		if err := ValidatePeerEntry(peer); err != nil {
			return fmt.Errorf("peer[%d] invalid: %w", i, err)
		}
		if peer.ID == cfg.ID {
			return fmt.Errorf("peer[%d] duplicates the node's own id", i)
		}
	}
	if cfg.Cluster.ElectionTimeoutMinMS < 0 || cfg.Cluster.ElectionTimeoutMaxMS < 0 {
		return fmt.Errorf("election timeouts must not be negative")
	}
	if cfg.Cluster.ElectionTimeoutMaxMS > 0 &&
		cfg.Cluster.ElectionTimeoutMaxMS <= cfg.Cluster.ElectionTimeoutMinMS {
		return fmt.Errorf("election_timeout_max_ms must exceed election_timeout_min_ms")
	}
	if cfg.Fusion.DivergenceThreshold < 0 {
		return fmt.Errorf("divergence_threshold must not be negative")
	}
	if cfg.Belief.Decay < 0 || cfg.Belief.Decay > 1 {
		return fmt.Errorf("belief decay must be in (0, 1]")
	}
	return nil
}

func ValidatePeerEntry(cfg PeerConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}
