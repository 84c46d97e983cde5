package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"nxmramm/native/common"
	"nxmramm/native/ramm"
	"nxmramm/observability/logging"
	"nxmramm/observability/metrics"
	telemetry "nxmramm/observability/otel"
	"nxmramm/services/rammd/config"
	"nxmramm/services/rammd/sequencer"
	"nxmramm/services/rammd/server"
	"nxmramm/services/rammd/storage"
	"nxmramm/services/rammd/stream"
	"nxmramm/services/rammd/treasury"
	stateramm "nxmramm/state/ramm"
	kv "nxmramm/storage"
)

func main() {
	var (
		cfgPath string
		listen  string
		dataDir string
	)
	flag.StringVar(&cfgPath, "config", "services/rammd/config.yaml", "path to rammd configuration file")
	flag.StringVar(&listen, "listen", "", "override the HTTP listen address")
	flag.StringVar(&dataDir, "data-dir", "", "override the reserve database directory (empty keeps state in memory)")
	flag.Parse()

	cfg, err := config.Load(cfgPath,
		config.WithListenAddress(listen),
		config.WithDataDir(dataDir),
		config.WithEnvironment(strings.TrimSpace(os.Getenv("RAMM_ENV"))),
	)
	if err != nil {
		log.Fatalf("rammd: load config: %v", err)
	}

	logger := logging.Setup("rammd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(telemetry.Config{
			ServiceName: "rammd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		}))
		if err != nil {
			log.Fatalf("rammd: init telemetry: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(ctx)
		}()
	}

	raw, err := openState(cfg.DataDir)
	if err != nil {
		log.Fatalf("rammd: open state: %v", err)
	}
	// swaps stage treasury and record writes into one batch
	db := kv.NewStaged(raw)
	defer db.Close()

	ctx := context.Background()
	seed, err := treasury.SeedFromConfig(cfg.Treasury)
	if err != nil {
		log.Fatalf("rammd: treasury seed: %v", err)
	}
	tr := treasury.New(db)
	seeded, err := tr.Seed(ctx, seed)
	if err != nil {
		log.Fatalf("rammd: seed treasury: %v", err)
	}
	if seeded {
		logger.Info("treasury seeded", "accounts", len(seed.Accounts))
	}

	engine, err := ramm.NewEngine(cfg.Params(), ramm.Dependencies{
		Store:  stateramm.NewStore(db),
		Ledger: tr,
		Supply: tr,
		Pool:   tr,
		MCR:    tr,
		Master: tr,
		Unit:   db,
	})
	if err != nil {
		log.Fatalf("rammd: engine: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.JournalPath)
	if err != nil {
		log.Fatalf("rammd: resolve journal DSN: %v", err)
	}
	journal, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("rammd: open journal: %v", err)
	}
	defer journal.Close()

	hub := stream.NewHub(journal, cfg.Stream.SubscriberBuffer, logger)
	defer hub.Close()
	engine.SetEmitter(hub)

	state, err := engine.Initialize(ctx, cfg.Genesis())
	switch {
	case err == nil:
		logger.Info("reserves initialised",
			"eth", ramm.FormatEther(state.Eth),
			"nxm_a", ramm.FormatEther(state.NxmA),
			"nxm_b", ramm.FormatEther(state.NxmB))
	case errors.Is(err, ramm.ErrAlreadyInitialized):
		logger.Info("reserves loaded from state")
	default:
		log.Fatalf("rammd: initialise reserves: %v", err)
	}

	seq := sequencer.New(engine, sequencer.Options{
		QueueSize:   cfg.Sequencer.QueueSize,
		SwapTimeout: cfg.Sequencer.SwapTimeout.Duration,
		Quota: common.Quota{
			MaxSwapsPerEpoch: cfg.Sequencer.MaxSwapsPerEpoch,
			EpochSeconds:     uint32(cfg.Sequencer.QuotaEpoch.Duration / time.Second),
		},
		Journal: journal,
		Logger:  logger,
		Metrics: metrics.RAMM(),
	})

	proxies, err := cfg.RateLimit.ProxyPrefixes()
	if err != nil {
		log.Fatalf("rammd: rate limit: %v", err)
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			Leeway:     cfg.Auth.Leeway.Duration,
		},
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			TrustedProxies:    proxies,
		},
	}, server.Deps{
		Engine:    engine,
		Sequencer: seq,
		Journal:   journal,
		Treasury:  tr,
		Events:    http.HandlerFunc(hub.ServeWS),
	}, logger)
	if err != nil {
		log.Fatalf("rammd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := seq.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sequencer exited", "error", err)
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}

// openState opens the reserve key-value store. An empty directory keeps state
// in memory, which is only useful for local experiments.
func openState(dir string) (kv.Database, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return kv.NewMemDB(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return kv.NewLevelDB(filepath.Join(dir, "ramm"))
}
