// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/simdesk/internal/domain/session/store"
	"github.com/ManuGH/simdesk/internal/log"
)

const envPrefix = "SIMDESK_"

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	ConsumedEnvKeys map[string]struct{}
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath, ConsumedEnvKeys: make(map[string]struct{})}
}

func (l *Loader) envString(key, def string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, def)
}

func (l *Loader) envStrings(key string, def []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseStringSlice(key, def)
}

func (l *Loader) envInt(key string, def int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, def)
}

func (l *Loader) envFloat(key string, def float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, def)
}

func (l *Loader) envBool(key string, def bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, def)
}

func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, def)
}

// Load builds the configuration: defaults, then the YAML file, then ENV.
// The result is validated.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	l.warnUnknownEnv()

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		API: APIConfig{
			ListenAddr:      ":8080",
			IdentityHeader:  "X-Authenticated-User",
			RateLimit:       RateLimitConfig{Requests: 30, Window: time.Minute},
			ShutdownTimeout: 30 * time.Second,
			MaxConnections:  1024,
		},
		Store: StoreConfig{
			Backend: store.BackendSqlite,
			Path:    "simdesk.db",
		},
		Runner: RunnerConfig{
			Kind:      "process",
			Host:      "127.0.0.1",
			Readiness: "tcp",
			BasePort:  16000,
		},
		Session: SessionConfig{
			LaunchTimeout:     90 * time.Second,
			StopTimeout:       15 * time.Second,
			HealthRetries:     3,
			LaunchRate:        2,
			LaunchBurst:       4,
			LaunchConcurrency: 4,
			DemoUsername:      "demo",
			DemoPassword:      "demo",
			InstanceID:        defaultInstanceID(),
		},
		Reaper: ReaperConfig{
			Interval:    30 * time.Second,
			IdleTimeout: 30 * time.Minute,
		},
		Tracing: TracingConfig{
			Protocol:     "grpc",
			SamplingRate: 1.0,
		},
		Log: LogConfig{
			Level:   "info",
			Service: "simdesk",
		},
	}
}

// loadFile decodes the YAML file over cfg. Unknown keys are rejected.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied config path
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	listen := cfg.API.ListenAddr
	// PORT is honoured for platforms that only inject a port.
	if port := l.envString("PORT", ""); port != "" {
		listen = ":" + port
	}
	cfg.API.ListenAddr = l.envString("SIMDESK_LISTEN", listen)
	cfg.API.AllowedOrigins = l.envStrings("SIMDESK_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)
	cfg.API.IdentityHeader = l.envString("SIMDESK_IDENTITY_HEADER", cfg.API.IdentityHeader)
	cfg.API.RateLimit.Requests = l.envInt("SIMDESK_RATE_LIMIT_REQUESTS", cfg.API.RateLimit.Requests)
	cfg.API.RateLimit.Window = l.envDuration("SIMDESK_RATE_LIMIT_WINDOW", cfg.API.RateLimit.Window)
	cfg.API.ShutdownTimeout = l.envDuration("SIMDESK_SHUTDOWN_TIMEOUT", cfg.API.ShutdownTimeout)
	cfg.API.AdminEnabled = l.envBool("SIMDESK_ADMIN_ENABLED", cfg.API.AdminEnabled)
	cfg.API.MaxConnections = l.envInt("SIMDESK_MAX_CONNECTIONS", cfg.API.MaxConnections)

	cfg.Store.Backend = strings.ToLower(l.envString("SIMDESK_STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.Path = l.envString("SIMDESK_STORE_PATH", cfg.Store.Path)
	cfg.Store.Redis.Addr = l.envString("SIMDESK_REDIS_ADDR", cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = l.envString("SIMDESK_REDIS_PASSWORD", cfg.Store.Redis.Password)
	cfg.Store.Redis.DB = l.envInt("SIMDESK_REDIS_DB", cfg.Store.Redis.DB)

	cfg.Runner.Kind = strings.ToLower(l.envString("SIMDESK_RUNNER", cfg.Runner.Kind))
	if cmd := l.envString("SIMDESK_RUNNER_COMMAND", ""); cmd != "" {
		cfg.Runner.Command = strings.Fields(cmd)
	}
	cfg.Runner.Host = l.envString("SIMDESK_RUNNER_HOST", cfg.Runner.Host)
	cfg.Runner.Readiness = strings.ToLower(l.envString("SIMDESK_RUNNER_READINESS", cfg.Runner.Readiness))
	cfg.Runner.CheckPath = l.envString("SIMDESK_RUNNER_READINESS_PATH", cfg.Runner.CheckPath)
	cfg.Runner.BasePort = l.envInt("SIMDESK_RUNNER_BASE_PORT", cfg.Runner.BasePort)

	cfg.Session.LaunchTimeout = l.envDuration("SIMDESK_LAUNCH_TIMEOUT", cfg.Session.LaunchTimeout)
	cfg.Session.StopTimeout = l.envDuration("SIMDESK_STOP_TIMEOUT", cfg.Session.StopTimeout)
	cfg.Session.HealthRetries = l.envInt("SIMDESK_HEALTH_RETRIES", cfg.Session.HealthRetries)
	cfg.Session.LaunchRate = l.envFloat("SIMDESK_LAUNCH_RATE", cfg.Session.LaunchRate)
	cfg.Session.LaunchBurst = l.envInt("SIMDESK_LAUNCH_BURST", cfg.Session.LaunchBurst)
	cfg.Session.LaunchConcurrency = l.envInt("SIMDESK_LAUNCH_CONCURRENCY", cfg.Session.LaunchConcurrency)
	cfg.Session.DemoUsername = l.envString("SIMDESK_DEMO_USERNAME", cfg.Session.DemoUsername)
	cfg.Session.DemoPassword = l.envString("SIMDESK_DEMO_PASSWORD", cfg.Session.DemoPassword)
	cfg.Session.StopOnExit = l.envBool("SIMDESK_STOP_ON_EXIT", cfg.Session.StopOnExit)
	cfg.Session.InstanceID = l.envString("SIMDESK_INSTANCE_ID", cfg.Session.InstanceID)

	cfg.Reaper.IdleTimeout = l.envDuration("SIMDESK_IDLE_TIMEOUT", cfg.Reaper.IdleTimeout)
	cfg.Reaper.Interval = l.envDuration("SIMDESK_REAPER_INTERVAL", cfg.Reaper.Interval)

	if ep := l.envString("SIMDESK_TRACING_ENDPOINT", ""); ep != "" {
		cfg.Tracing.Endpoint = ep
		cfg.Tracing.Enabled = true
	}
	cfg.Tracing.Enabled = l.envBool("SIMDESK_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Protocol = strings.ToLower(l.envString("SIMDESK_TRACING_PROTOCOL", cfg.Tracing.Protocol))
	cfg.Tracing.SamplingRate = l.envFloat("SIMDESK_TRACING_SAMPLING_RATE", cfg.Tracing.SamplingRate)

	cfg.Log.Level = strings.ToLower(l.envString("LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Service = l.envString("LOG_SERVICE", cfg.Log.Service)
}

// warnUnknownEnv reports SIMDESK_ variables the loader never read, usually typos.
func (l *Loader) warnUnknownEnv() {
	var unknown []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if _, ok := l.ConsumedEnvKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return
	}
	sort.Strings(unknown)
	logger := log.WithComponent("config")
	logger.Warn().
		Strs("keys", unknown).
		Msg("ignoring unknown SIMDESK_ environment variables")
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "simdesk"
}
