package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/binlens/binlens/internal/auth"
	"github.com/binlens/binlens/internal/breaker"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/kvstore"
	"github.com/binlens/binlens/internal/obs"
	"github.com/binlens/binlens/internal/provider"
	"github.com/binlens/binlens/internal/ratelimit"
	"github.com/binlens/binlens/internal/restapi"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to application YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := kvstore.New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	clients, err := provider.BuildClients(ctx, cfg.Providers, logger)
	if err != nil {
		logger.Fatal("failed to build llm provider clients", obs.Err(err))
	}

	breakers := breaker.NewRegistry(cfg.CircuitBreaker, logger)
	breakers.RunHealthProbes(ctx, provider.HealthProbes(clients))

	store := job.NewStore(rdb, cfg.Worker.DefaultJobTTL)
	authStore := auth.NewStore(rdb, cfg.Auth.HMACSecret)
	limiter := ratelimit.New(rdb, cfg.RateLimit)

	metricsSrv := obs.StartMetricsServer(cfg)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	srv := restapi.NewServer(cfg, store, authStore, limiter, clients, breakers, rdb, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("rest api stopped", obs.Err(err))
	}
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}
