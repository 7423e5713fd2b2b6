// Package main is the entry point for the mkl market ledger node. It opens
// the ledger store, wires the market engine to the event hub and metrics,
// optionally serves the ABCI protocol for a Tendermint node and announces
// itself over mDNS, and runs the HTTP server until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/abci"
	"marketledger.mini/mkl/internal/api"
	"marketledger.mini/mkl/internal/config"
	"marketledger.mini/mkl/internal/discovery"
	"marketledger.mini/mkl/internal/docs"
	"marketledger.mini/mkl/internal/events"
	"marketledger.mini/mkl/internal/identity"
	"marketledger.mini/mkl/internal/ledger"
	"marketledger.mini/mkl/internal/logger"
	"marketledger.mini/mkl/internal/metrics"
	"marketledger.mini/mkl/internal/records"
	"marketledger.mini/mkl/internal/tendermint"
	"marketledger.mini/mkl/internal/types"
	"marketledger.mini/mkl/internal/web"
)

func main() {
	defaultConfig := os.Getenv("CONFIG_FILE")
	if defaultConfig == "" {
		defaultConfig = "mkl.json"
	}
	configPath := flag.String("config", defaultConfig, "path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkl: %v\n", err)
		os.Exit(1)
	}

	buffer := logger.NewBuffer(cfg.StatusBufferSize)
	log := logger.New(cfg.LogLevel, os.Stdout, buffer)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, buffer); err != nil {
		log.Fatal("mkl exited", zap.Error(err))
	}
	log.Info("shut down cleanly")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, buffer *logger.Buffer) error {
	log.Info("mkl starting", zap.String("version", types.Version), zap.String("build_time", types.BuildTime))

	id, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	log.Info("node identity loaded", zap.String("address", id.Address().Hex()))

	genesis, err := genesisSettings(cfg, id.Address())
	if err != nil {
		return err
	}
	policy, err := ledger.ParseFeePolicy(cfg.FeePolicy)
	if err != nil {
		return err
	}

	store, durable, err := openStore(cfg, log.Named("records"))
	if err != nil {
		return err
	}
	defer func() {
		if durable != nil {
			if err := durable.Close(); err != nil {
				log.Warn("failed to close ledger store", zap.Error(err))
			}
		}
	}()

	hub := events.NewHub(log, func(n int) { metrics.EventSubscribers.Set(float64(n)) })
	var market *ledger.Market
	market = ledger.NewMarket(store,
		ledger.WithFeePolicy(policy),
		ledger.WithLogger(log.Named("ledger")),
		ledger.WithRecorder(metrics.Recorder{}),
		ledger.WithObserver(func(ev types.Event) {
			hub.Publish(ev)
			if st, err := market.Stats(context.Background()); err == nil {
				metrics.ObserveStats(st)
			}
		}),
	)
	settings, err := market.Init(ctx, genesis)
	if err != nil {
		return fmt.Errorf("initialise ledger: %w", err)
	}
	if st, err := market.Stats(ctx); err == nil {
		metrics.ObserveStats(st)
	}

	apiOpts := []api.Option{}
	if durable != nil {
		apiOpts = append(apiOpts, api.WithBackups(durable, cfg.MaxBackups))
		go runBackups(ctx, durable, cfg, log)
	}

	if cfg.ABCIEnabled {
		abciServer, err := startConsensus(ctx, cfg, market, log)
		if err != nil {
			return err
		}
		defer abciServer.Stop()
		apiOpts = append(apiOpts, api.WithBroadcaster(tendermint.NewBroadcastClient(cfg.TendermintRPC)))
	}

	port := resolvePort(cfg.Port, log)
	if err := ensurePortAvailable(port); err != nil {
		return fmt.Errorf("port %d unavailable: %w", port, err)
	}

	if cfg.Discovery {
		disc := discovery.NewService(cfg.DiscoveryService, log)
		txt := discovery.Txt(map[string]string{
			"version":    types.Version,
			"node":       id.Address().Hex(),
			"admin":      settings.Admin.Hex(),
			"escrow":     settings.Escrow.Hex(),
			"fee_policy": string(policy),
			"consensus":  strconv.FormatBool(cfg.ABCIEnabled),
		})
		if err := disc.Start(ctx, cfg.NodeName, port, txt); err != nil {
			log.Warn("mDNS discovery unavailable", zap.Error(err))
		} else {
			defer disc.Stop()
			apiOpts = append(apiOpts, api.WithPeers(disc))
		}
	}

	server, err := web.NewServer(web.Config{
		Port:   port,
		API:    api.NewService(market, log.Named("api"), apiOpts...),
		Hub:    hub,
		Buffer: buffer,
		Docs:   docs.NewService(cfg.DocsDir),
		Logger: log.Named("web"),

		AllowedOrigins: cfg.WSOrigins,
	})
	if err != nil {
		return fmt.Errorf("initialise web server: %w", err)
	}
	serverErrors := server.Start()

	select {
	case err, ok := <-serverErrors:
		if ok && err != nil {
			return fmt.Errorf("web server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("web server shutdown", zap.Error(err))
	}
	if durable != nil {
		if path, err := durable.BackupCurrent(cfg.MaxBackups); err != nil {
			log.Warn("final backup failed", zap.Error(err))
		} else if path != "" {
			log.Info("final backup written", zap.String("path", path))
		}
	}
	return nil
}

// genesisSettings builds the settings written when the ledger is created.
// The administrator defaults to the node's own account.
func genesisSettings(cfg *config.Config, nodeAddr types.Account) (types.Settings, error) {
	admin := nodeAddr
	if cfg.Admin != "" {
		a, err := types.ParseAccount(cfg.Admin)
		if err != nil {
			return types.Settings{}, fmt.Errorf("config admin: %w", err)
		}
		admin = a
	}
	escrow, err := types.ParseAccount(cfg.Escrow)
	if err != nil {
		return types.Settings{}, fmt.Errorf("config escrow: %w", err)
	}
	fee, err := types.ParseAmount(cfg.ListingFee)
	if err != nil {
		return types.Settings{}, fmt.Errorf("config listing_fee: %w", err)
	}
	return types.Settings{Admin: admin, Escrow: escrow, ListingFee: fee}, nil
}

// openStore returns the configured ledger store and, for sqlite, the
// concrete store for backups and shutdown.
func openStore(cfg *config.Config, log *zap.Logger) (ledger.Store, *records.Store, error) {
	if cfg.Store == "memory" {
		return ledger.NewMemoryStore(), nil, nil
	}
	opts := []records.Option{records.WithLogger(log)}
	if cfg.EmptyRecovery {
		opts = append(opts, records.WithEmptyRecovery())
	}
	s, err := records.NewStore(cfg.DataFile, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger database: %w", err)
	}
	return s, s, nil
}

// runBackups copies the database every backup interval, skipping intervals
// with no committed changes.
func runBackups(ctx context.Context, store *records.Store, cfg *config.Config, log *zap.Logger) {
	interval := cfg.BackupInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-store.Updates():
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			path, err := store.BackupCurrent(cfg.MaxBackups)
			if err != nil {
				log.Warn("periodic backup failed", zap.Error(err))
				continue
			}
			dirty = false
			log.Info("periodic backup written", zap.String("path", path))
		}
	}
}

// startConsensus serves ABCI for a Tendermint node and, when a home
// directory is configured, initialises and launches the node process.
func startConsensus(ctx context.Context, cfg *config.Config, market *ledger.Market, log *zap.Logger) (*tendermint.ABCIServer, error) {
	app := abci.NewABCIApplication(market, log.Named("abci"))
	server, err := tendermint.NewABCIServer(app, &tendermint.Config{
		TendermintHome: cfg.TendermintHome,
		SocketAddress:  cfg.ABCIAddr,
	}, log.Named("abci"))
	if err != nil {
		return nil, err
	}
	if err := server.Start(); err != nil {
		return nil, err
	}

	if cfg.TendermintHome == "" {
		log.Info("waiting for an external Tendermint node", zap.String("proxy_app", cfg.ABCIAddr))
		return server, nil
	}
	if err := tendermint.InitTendermint(ctx, cfg.TendermintHome); err != nil {
		server.Stop()
		return nil, err
	}
	cmd := tendermint.NodeCommand(ctx, cfg.TendermintHome, cfg.ABCIAddr)
	if err := cmd.Start(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("start tendermint node: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
			log.Error("tendermint node exited", zap.Error(err))
		}
	}()
	log.Info("tendermint node started", zap.String("home", cfg.TendermintHome), zap.Int("pid", cmd.Process.Pid))
	return server, nil
}

// resolvePort lets a bare PORT variable override the configured port.
func resolvePort(defaultPort int, log *zap.Logger) int {
	portStr := os.Getenv("PORT")
	if portStr == "" {
		return defaultPort
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid PORT value, using configured port", zap.String("PORT", portStr), zap.Int("port", defaultPort))
		return defaultPort
	}
	return port
}

func ensurePortAvailable(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return listener.Close()
}
