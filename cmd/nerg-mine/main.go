// NERG Mine - Offline mining session accrual service
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerg-network/nerg-mine/internal/api"
	"github.com/nerg-network/nerg-mine/internal/config"
	"github.com/nerg-network/nerg-mine/internal/mining"
	"github.com/nerg-network/nerg-mine/internal/newrelic"
	"github.com/nerg-network/nerg-mine/internal/notify"
	"github.com/nerg-network/nerg-mine/internal/profiling"
	"github.com/nerg-network/nerg-mine/internal/referral"
	"github.com/nerg-network/nerg-mine/internal/storage"
	"github.com/nerg-network/nerg-mine/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("NERG Mine v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("NERG Mine v%s starting", version)

	// Connect to Redis
	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	// APM agent
	apm := newrelic.NewAgent(&cfg.NewRelic)
	if err := apm.Start(); err != nil {
		util.Warnf("New Relic agent failed to start: %v", err)
	}

	// Webhook notifier
	notifier := notify.NewNotifier(&notify.WebhookConfig{
		Enabled:      cfg.Notify.Enabled,
		DiscordURL:   cfg.Notify.DiscordURL,
		TelegramBot:  cfg.Notify.TelegramBot,
		TelegramChat: cfg.Notify.TelegramChat,
		ServiceName:  cfg.Service.Name,
		ServiceURL:   cfg.Notify.ServiceURL,
		Currency:     cfg.Service.Currency,
	})

	// Accrual engine and session lifecycle
	engine := mining.NewEngine(cfg, redis, notifier, apm)
	controller := mining.NewController(cfg, redis, engine)
	referrals := referral.NewProcessor(cfg, redis)

	// Periodic sweep
	sweep := mining.NewSweep(&cfg.Sweep, redis, engine)
	if cfg.Sweep.Enabled {
		if err := sweep.Start(); err != nil {
			util.Fatalf("Failed to start sweep: %v", err)
		}
	}

	// API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, redis, controller, sweep, referrals)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	// Profiling server
	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Fatalf("Failed to start profiling server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("NERG Mine started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	// Graceful shutdown
	if apiServer != nil {
		apiServer.Stop()
	}
	if cfg.Sweep.Enabled {
		sweep.Stop()
	}
	profiler.Stop()
	apm.Stop()

	util.Info("NERG Mine stopped")
}
