// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"strings"

	"github.com/ManuGH/simdesk/internal/domain/session/store"
	"github.com/ManuGH/simdesk/internal/log"
	"github.com/ManuGH/simdesk/internal/validate"
)

var (
	storeBackends = []string{store.BackendMemory, store.BackendSqlite, store.BackendRedis, store.BackendBadger}
	runnerKinds   = []string{"process", "stub"}
	checkKinds    = []string{"tcp", "http"}
	tracingKinds  = []string{"grpc", "http"}
)

// Validate checks the whole configuration and reports every problem found.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.ListenAddr("api.listenAddr", cfg.API.ListenAddr)
	v.NotEmpty("api.identityHeader", cfg.API.IdentityHeader)
	for _, origin := range cfg.API.AllowedOrigins {
		if origin != "*" {
			v.URL("api.allowedOrigins", origin, []string{"http", "https"})
		}
	}
	if cfg.API.RateLimit.Requests > 0 {
		v.PositiveDuration("api.rateLimit.window", cfg.API.RateLimit.Window)
	}
	v.PositiveDuration("api.shutdownTimeout", cfg.API.ShutdownTimeout)
	v.NonNegative("api.maxConnections", cfg.API.MaxConnections)

	v.OneOf("store.backend", cfg.Store.Backend, storeBackends)
	switch cfg.Store.Backend {
	case store.BackendSqlite:
		v.NotEmpty("store.path", cfg.Store.Path)
	case store.BackendRedis:
		v.NotEmpty("store.redis.addr", cfg.Store.Redis.Addr)
		v.Range("store.redis.db", cfg.Store.Redis.DB, 0, 15)
	}

	v.OneOf("runner.kind", cfg.Runner.Kind, runnerKinds)
	switch cfg.Runner.Kind {
	case "process":
		if len(cfg.Runner.Command) == 0 {
			v.AddError("runner.command", "required for the process runner", cfg.Runner.Command)
		}
		v.NotEmpty("runner.host", cfg.Runner.Host)
		v.OneOf("runner.readiness", cfg.Runner.Readiness, checkKinds)
	case "stub":
		v.Port("runner.basePort", cfg.Runner.BasePort)
	}

	v.PositiveDuration("session.launchTimeout", cfg.Session.LaunchTimeout)
	v.PositiveDuration("session.stopTimeout", cfg.Session.StopTimeout)
	v.Range("session.healthRetries", cfg.Session.HealthRetries, 0, 20)
	v.Positive("session.launchConcurrency", cfg.Session.LaunchConcurrency)
	if cfg.Session.LaunchRate > 0 {
		v.Positive("session.launchBurst", cfg.Session.LaunchBurst)
	}
	v.NotEmpty("session.demoUsername", cfg.Session.DemoUsername)
	v.NotEmpty("session.instanceId", cfg.Session.InstanceID)
	if strings.Contains(cfg.Session.InstanceID, "/") {
		v.AddError("session.instanceId", "must not contain '/'", cfg.Session.InstanceID)
	}

	v.PositiveDuration("reaper.interval", cfg.Reaper.Interval)
	if cfg.Reaper.IdleTimeout < 0 {
		v.AddError("reaper.idleTimeout", "must not be negative (0 disables idle reaping)", cfg.Reaper.IdleTimeout)
	}

	if cfg.Tracing.Enabled {
		v.NotEmpty("tracing.endpoint", cfg.Tracing.Endpoint)
		v.OneOf("tracing.protocol", cfg.Tracing.Protocol, tracingKinds)
		v.FloatRange("tracing.samplingRate", cfg.Tracing.SamplingRate, 0, 1)
	}

	if _, err := validate.ParseLogLevel(cfg.Log.Level); err != nil {
		v.AddError("log.level", "must be one of debug, info, warn, error", cfg.Log.Level)
	}

	if err := v.Err(); err != nil {
		return err
	}

	if cfg.Reaper.IdleTimeout > 0 && cfg.Reaper.Interval >= cfg.Reaper.IdleTimeout {
		logger := log.WithComponent("config")
		logger.Warn().
			Dur("interval", cfg.Reaper.Interval).
			Dur("idle_timeout", cfg.Reaper.IdleTimeout).
			Msg("reaper interval is not shorter than the idle timeout; idle sessions may linger up to twice as long")
	}
	return nil
}
