package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/danmuck/inquest/internal/auth"
	"github.com/danmuck/inquest/internal/axiom"
	"github.com/danmuck/inquest/internal/belief"
	"github.com/danmuck/inquest/internal/conductor"
	"github.com/danmuck/inquest/internal/config"
	"github.com/danmuck/inquest/internal/fusion"
	"github.com/danmuck/inquest/internal/gate"
	"github.com/danmuck/inquest/internal/instrument/builtin"
	"github.com/danmuck/inquest/internal/observability"
	"github.com/danmuck/inquest/internal/provenance"
	"github.com/danmuck/inquest/internal/raft"
	"github.com/danmuck/inquest/internal/sandbox"
	"github.com/danmuck/inquest/internal/server"
	"github.com/danmuck/inquest/internal/storage"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/inquestd/config.toml", "node config path")
	flag.Parse()

	logger := observability.InitLogger("inquestd")
	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load node config")
	}
	log.Info().Str("path", *configPath).Str("id", cfg.ID).Msg("loaded node config")

	policy := gate.Policy{}
	if cfg.PolicyFile != "" {
		policy, err = gate.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load admission policy")
		}
	} else {
		log.Warn().Msg("no policy file configured; all tenants will be denied")
	}

	var axioms []axiom.Axiom
	if cfg.AxiomFile != "" {
		axioms, err = axiom.Load(cfg.AxiomFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load axioms")
		}
	}
	filter, err := axiom.NewFilter(axioms, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid axiom set")
	}

	raftDB, err := storage.Open(config.StorageConfig(cfg, "raft"), logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open consensus log store")
	}
	defer raftDB.Close()
	provDB, err := storage.Open(config.StorageConfig(cfg, "provenance"), logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open provenance store")
	}
	defer provDB.Close()

	logStore, err := raft.NewBadgerLog(raftDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load consensus log")
	}

	tracker := belief.NewTracker(config.BeliefTrackerConfig(cfg), logger)
	records := provenance.NewBadgerStore(provDB)
	state := conductor.NewClusterState(cfg.ID, tracker, records, logger)
	transport := server.NewHTTPTransport(config.PeerAddrs(cfg))
	node, err := raft.NewNode(config.RaftConfig(cfg), logStore, transport, state.Apply, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start consensus node")
	}

	cond := conductor.New(node, state, conductor.Options{
		NodeID:   cfg.ID,
		Gate:     gate.New(policy, logger),
		Registry: builtin.Registry(),
		Sandbox:  sandbox.NewDriver(config.SandboxDriverConfig(cfg), logger),
		Filter:   filter,
		Fusion:   fusion.NewEngine(config.FusionEngineConfig(cfg), logger),
		Logger:   logger,
	})

	srv := server.New(cfg.ID, cfg.Addr, cfg.CorsOrigins, auth.TokenMap(cfg.Tokens), cond, node)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node.Start(ctx)
	go cond.Run(ctx)

	log.Info().Str("id", cfg.ID).Str("addr", cfg.Addr).Msg("inquest node started")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server stopped")
	}
	node.Wait()
	log.Info().Str("id", cfg.ID).Msg("inquest node stopped")
}
