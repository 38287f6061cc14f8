// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import "time"

// AppConfig is the complete daemon configuration.
type AppConfig struct {
	API     APIConfig     `yaml:"api"`
	Store   StoreConfig   `yaml:"store"`
	Runner  RunnerConfig  `yaml:"runner"`
	Session SessionConfig `yaml:"session"`
	Reaper  ReaperConfig  `yaml:"reaper"`
	Tracing TracingConfig `yaml:"tracing"`
	Log     LogConfig     `yaml:"log"`
}

type APIConfig struct {
	ListenAddr     string   `yaml:"listenAddr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// IdentityHeader carries the user id set by the authenticating proxy.
	IdentityHeader  string          `yaml:"identityHeader"`
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
	ShutdownTimeout time.Duration   `yaml:"shutdownTimeout"`
	// AdminEnabled exposes the operator session listing.
	AdminEnabled bool `yaml:"adminEnabled"`
	// MaxConnections caps concurrently open client connections. 0 disables the cap.
	MaxConnections int `yaml:"maxConnections"`
}

// RateLimitConfig limits session requests per identity. Requests <= 0 disables it.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RunnerConfig struct {
	Kind      string   `yaml:"kind"`    // process or stub
	Command   []string `yaml:"command"` // argv, {port} and {user} are substituted
	Host      string   `yaml:"host"`
	Readiness string   `yaml:"readiness"` // tcp or http
	CheckPath string   `yaml:"readinessPath"`
	BasePort  int      `yaml:"basePort"` // stub runner only
}

type SessionConfig struct {
	LaunchTimeout     time.Duration `yaml:"launchTimeout"`
	StopTimeout       time.Duration `yaml:"stopTimeout"`
	HealthRetries     int           `yaml:"healthRetries"`
	LaunchRate        float64       `yaml:"launchRate"`
	LaunchBurst       int           `yaml:"launchBurst"`
	LaunchConcurrency int           `yaml:"launchConcurrency"`
	DemoUsername      string        `yaml:"demoUsername"`
	DemoPassword      string        `yaml:"demoPassword"`
	// StopOnExit terminates all sessions when the daemon shuts down.
	StopOnExit bool `yaml:"stopOnExit"`
	// InstanceID is recorded on every session this daemon launches. Only the
	// owning instance checks or stops a workload, so daemons sharing a store
	// need distinct ids and a restarted daemon needs the same one.
	InstanceID string `yaml:"instanceId"`
}

type ReaperConfig struct {
	Interval    time.Duration `yaml:"interval"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Protocol     string  `yaml:"protocol"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}
