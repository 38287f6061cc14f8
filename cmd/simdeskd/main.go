// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command simdeskd serves the per-user desktop session API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ManuGH/simdesk/internal/config"
	v1 "github.com/ManuGH/simdesk/internal/control/http/v1"
	"github.com/ManuGH/simdesk/internal/daemon"
	"github.com/ManuGH/simdesk/internal/domain/session/manager"
	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/domain/session/ports"
	"github.com/ManuGH/simdesk/internal/domain/session/store"
	sdlog "github.com/ManuGH/simdesk/internal/log"
	"github.com/ManuGH/simdesk/internal/telemetry"
	"github.com/ManuGH/simdesk/internal/validation"
	"github.com/ManuGH/simdesk/internal/version"
	"github.com/ManuGH/simdesk/internal/workload/process"
	"github.com/ManuGH/simdesk/internal/workload/stub"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	skipChecks := flag.Bool("skip-startup-checks", false, "do not run pre-flight checks")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	sdlog.Configure(sdlog.Config{Level: "info", Service: "simdesk", Version: version.Version})
	logger := sdlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = strings.TrimSpace(config.ParseString("SIMDESK_CONFIG", ""))
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", path).
			Msg("failed to load configuration")
	}

	sdlog.Configure(sdlog.Config{Level: cfg.Log.Level, Service: cfg.Log.Service, Version: version.Version})
	logger = sdlog.WithComponent("daemon")
	source := "env+defaults"
	if path != "" {
		source = "file"
	}
	logger.Info().Str("event", "config.loaded").Str("source", source).Str("path", path).Msg("loaded configuration")

	if !*skipChecks {
		if err := validation.PerformStartupChecks(ctx, cfg); err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "startup.check_failed").
				Msg("startup checks failed, verify configuration and permissions")
		}
	}

	if err := run(ctx, cfg, config.NewHolder(cfg, loader, path)); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon failed")
	}
	logger.Info().Msg("server exiting")
}

func run(ctx context.Context, cfg config.AppConfig, holder *config.Holder) error {
	logger := sdlog.WithComponent("daemon")

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Log.Service,
		ServiceVersion: version.Version,
		ExporterType:   cfg.Tracing.Protocol,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	st, err := store.Open(ctx, store.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		Redis: store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		},
	})
	if err != nil {
		_ = provider.Shutdown(context.WithoutCancel(ctx))
		return err
	}

	runner, err := newRunner(cfg.Runner, cfg.Session.InstanceID)
	if err != nil {
		_ = st.Close()
		_ = provider.Shutdown(context.WithoutCancel(ctx))
		return err
	}

	sessions := manager.New(st, runner, manager.Config{
		LaunchTimeout:     cfg.Session.LaunchTimeout,
		StopTimeout:       cfg.Session.StopTimeout,
		HealthRetries:     cfg.Session.HealthRetries,
		LaunchRate:        cfg.Session.LaunchRate,
		LaunchBurst:       cfg.Session.LaunchBurst,
		LaunchConcurrency: cfg.Session.LaunchConcurrency,
		InstanceID:        cfg.Session.InstanceID,
		Credentials:       model.Credentials{Username: cfg.Session.DemoUsername, Password: cfg.Session.DemoPassword},
	})
	sweeper := manager.NewSweeper(sessions, manager.SweeperConfig{
		Interval:    cfg.Reaper.Interval,
		IdleTimeout: cfg.Reaper.IdleTimeout,
	})

	api := v1.New(sessions, st, v1.Config{
		IdentityHeader: cfg.API.IdentityHeader,
		AdminEnabled:   cfg.API.AdminEnabled,
		RateLimit:      cfg.API.RateLimit.Requests,
		RateWindow:     cfg.API.RateLimit.Window,
		AllowedOrigins: cfg.API.AllowedOrigins,
		TracingService: tracingService(cfg),
	})

	mgr, err := daemon.NewManager(daemon.ServerConfig{
		ListenAddr:      cfg.API.ListenAddr,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    cfg.Session.LaunchTimeout + 30*time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		MaxConnections:  cfg.API.MaxConnections,
	}, daemon.Deps{Logger: logger, APIHandler: api.Handler()})
	if err != nil {
		return err
	}

	// Hooks run in reverse order: sessions first, tracing last.
	mgr.RegisterShutdownHook("tracing", provider.Shutdown)
	mgr.RegisterShutdownHook("store", func(context.Context) error { return st.Close() })
	mgr.RegisterShutdownHook("session-manager", sessions.Close)
	if cfg.Session.StopOnExit {
		mgr.RegisterShutdownHook("stop-sessions", sessions.StopAll)
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("addr", cfg.API.ListenAddr).
		Str("store", cfg.Store.Backend).
		Str("runner", cfg.Runner.Kind).
		Str("instance", cfg.Session.InstanceID).
		Dur("idle_timeout", cfg.Reaper.IdleTimeout).
		Msg("starting simdesk")

	return daemon.NewApp(logger, mgr, holder, sweeper).Run(ctx)
}

func newRunner(cfg config.RunnerConfig, instance string) (ports.WorkloadRunner, error) {
	switch cfg.Kind {
	case "stub":
		return stub.New(stub.Config{BasePort: cfg.BasePort}), nil
	default:
		return process.New(process.Config{
			Instance:  instance,
			Command:   cfg.Command,
			Host:      cfg.Host,
			Readiness: process.Check(cfg.Readiness),
			CheckPath: cfg.CheckPath,
		})
	}
}

func tracingService(cfg config.AppConfig) string {
	if !cfg.Tracing.Enabled {
		return ""
	}
	return cfg.Log.Service
}
