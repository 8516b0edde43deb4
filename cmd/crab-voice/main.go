package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"crabstack.local/projects/crab-voice/internal/config"
	"crabstack.local/projects/crab-voice/internal/journal"
	"crabstack.local/projects/crab-voice/internal/lifecycle"
	"crabstack.local/projects/crab-voice/internal/listener"
	"crabstack.local/projects/crab-voice/internal/supervisor"
	"crabstack.local/projects/crab-voice/internal/telemetry"
	"crabstack.local/projects/crab-voice/internal/tempchan"
)

func main() {
	logger := log.New(os.Stdout, "crab-voice ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	os.Exit(run(logger))
}

func run(logger *log.Logger) int {
	flags := pflag.NewFlagSet("crab-voice", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	envFile := flags.String("env-file", "", "path to a .env file (default ./.env when present)")
	_ = flags.Parse(os.Args[1:])

	if err := config.LoadDotEnv(*envFile); err != nil {
		logger.Printf("failed to load env file: %v", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("failed to load config: %v", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Printf("invalid config: %v", err)
		return 1
	}

	session, err := listener.NewSession(cfg.DiscordBotToken)
	if err != nil {
		logger.Printf("failed to create discord session: %v", err)
		return 1
	}

	registry := tempchan.NewRegistry()
	controller := lifecycle.NewController(registry, listener.NewSessionPlatform(session), lifecycle.Settings{
		TriggerChannelName: cfg.TriggerChannelName,
		CategoryName:       cfg.CategoryName,
		ChannelPrefix:      cfg.ChannelPrefix,
		SettleDelay:        cfg.SettleDelay,
		MaxChannelAge:      cfg.MaxChannelAge,
		SweepInterval:      cfg.SweepInterval,
	}, logger)

	metrics := telemetry.NewMetrics()
	controller.SetObserver(metrics)

	var store *journal.Store
	if cfg.JournalEnabled() {
		store, err = journal.Open(cfg.JournalDriver, cfg.JournalDSN)
		if err != nil {
			logger.Printf("failed to open journal: %v", err)
			return 1
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Printf("failed to close journal: %v", err)
			}
		}()
		controller.SetJournal(store)
		logger.Printf("journal enabled driver=%s", cfg.JournalDriver)
	}

	l := listener.NewListener(session, controller, logger)

	sup := supervisor.New(supervisor.Policy{
		MaxAttempts: cfg.MaxStartAttempts,
		MaxDelay:    cfg.MaxBackoff,
	}, logger)
	sup.OnStateChange(metrics.SessionState)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var server *telemetry.Server
	if cfg.HTTPAddr != "" {
		server = telemetry.NewServer(cfg.HTTPAddr, metrics, func() telemetry.Status {
			return telemetry.Status{
				Connected:      l.Connected(),
				SessionState:   string(sup.State()),
				ActiveChannels: registry.Len(),
			}
		}, logger)
		if store != nil {
			server.SetJournal(store)
		}
		if err := server.Start(ctx); err != nil {
			logger.Printf("failed to start telemetry server: %v", err)
			return 1
		}
	}

	runErr := sup.Run(ctx, l.Run)

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Printf("shutdown error: %v", err)
		}
		shutdownCancel()
	}

	switch {
	case runErr == nil:
		logger.Printf("crab-voice stopped")
		return 0
	case errors.Is(runErr, supervisor.ErrLoginFailed):
		logger.Printf("discord rejected the bot token: %v", runErr)
		return 2
	default:
		logger.Printf("discord session failed: %v", runErr)
		return 1
	}
}
