// Package main provides the custodiand daemon - the custodial wallet
// operations service behind the desktop console.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/custodian/internal/adminapi"
	"github.com/klingon-exchange/custodian/internal/aggregator"
	"github.com/klingon-exchange/custodian/internal/collector"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/internal/keystore"
	"github.com/klingon-exchange/custodian/internal/mover"
	"github.com/klingon-exchange/custodian/internal/provider"
	"github.com/klingon-exchange/custodian/internal/rpc"
	"github.com/klingon-exchange/custodian/internal/storage"
	"github.com/klingon-exchange/custodian/pkg/logging"
)

var (
	version = rpc.Version
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.custodian", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Initial logger, replaced once the config is read
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("custodiand %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	configDir := *dataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = *dataDir
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(configDir))

	if err := cfg.ApplyContractOverrides(); err != nil {
		log.Fatal("Invalid contract overrides", "error", err)
	}

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	env, err := config.LoadEnv(dataPath)
	if err != nil {
		log.Fatal("Failed to load environment", "error", err)
	}
	settings := config.NewLayered(store, env, cfg)

	factory := provider.NewFactory(settings, provider.WithLogger(log.Component("provider")))
	agg := aggregator.New(aggregator.WithLogger(log.Component("aggregator")))
	coll := collector.New(factory, agg, collector.WithLogger(log.Component("collector")))
	mov := mover.New(factory, keystore.NewVault(store), mover.WithLogger(log.Component("mover")))
	admin := adminapi.New(settings, adminapi.WithLogger(log.Component("admin")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcServer := rpc.NewServer(rpc.Deps{
		Config:    cfg,
		Store:     store,
		Settings:  settings,
		Dialer:    factory,
		Collector: coll,
		Mover:     mov,
		Admin:     admin,
		Jobs:      rpc.NewJobManager(ctx),
	})
	if err := rpcServer.Start(cfg.API.ListenAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, rpcServer.Addr(), store)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status", "jobs", rpcServer.Jobs().Running(), "ws_clients", rpcServer.WSHub().ClientCount())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string, store *storage.Storage) {
	log.Info("")
	log.Info("=================================================")
	log.Info("  Custodian")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	for _, n := range cfg.Networks {
		log.Infof("  %-10s chain %-10d %s", n.Name, n.ChainID, n.ChainType)
	}
	for _, kind := range []string{"EVM", "TRON"} {
		if count, err := store.CountWallets(kind); err == nil {
			log.Infof("  %s wallets: %d", kind, count)
		}
	}
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
