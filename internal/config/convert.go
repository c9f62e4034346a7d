package config

import (
	"time"

	"github.com/danmuck/inquest/internal/belief"
	"github.com/danmuck/inquest/internal/fusion"
	"github.com/danmuck/inquest/internal/raft"
	"github.com/danmuck/inquest/internal/sandbox"
	"github.com/danmuck/inquest/internal/storage"
)

// RaftConfig converts the cluster section into the consensus config.
// Zero timeouts fall through to the raft defaults.
func RaftConfig(cfg NodeConfig) raft.Config {
	peers := make([]string, 0, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		peers = append(peers, p.ID)
	}
	return raft.Config{
		ID:                 cfg.ID,
		Peers:              peers,
		ElectionTimeoutMin: time.Duration(cfg.Cluster.ElectionTimeoutMinMS) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(cfg.Cluster.ElectionTimeoutMaxMS) * time.Millisecond,
		HeartbeatInterval:  time.Duration(cfg.Cluster.HeartbeatIntervalMS) * time.Millisecond,
	}
}

// PeerAddrs maps peer ids to their RPC addresses.
func PeerAddrs(cfg NodeConfig) map[string]string {
	out := make(map[string]string, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		out[p.ID] = p.Addr
	}
	return out
}

func FusionEngineConfig(cfg NodeConfig) fusion.Config {
	return fusion.Config{DivergenceThreshold: cfg.Fusion.DivergenceThreshold}
}

func BeliefTrackerConfig(cfg NodeConfig) belief.Config {
	return belief.Config{
		CollapseThreshold: cfg.Belief.CollapseThreshold,
		Decay:             cfg.Belief.Decay,
		AllowRetraction:   cfg.Belief.AllowRetraction,
		RetractionDelta:   cfg.Belief.RetractionDelta,
	}
}

func SandboxDriverConfig(cfg NodeConfig) sandbox.Config {
	return sandbox.Config{
		SpawnRate:   cfg.Sandbox.SpawnRate,
		Burst:       cfg.Sandbox.Burst,
		Calibration: cfg.Sandbox.Calibration,
	}
}

func StorageConfig(cfg NodeConfig, subdir string) storage.Config {
	return storage.DefaultConfig(cfg.DataDir + "/" + subdir)
}
