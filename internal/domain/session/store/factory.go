// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/ManuGH/simdesk/internal/log"
	"github.com/ManuGH/simdesk/internal/persistence/sqlite"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSqlite = "sqlite"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// A remote backend that fails this many times in a row is skipped for the reset window.
const (
	redisBreakerThreshold = 5
	redisBreakerReset     = 10 * time.Second
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend string
	Path    string // sqlite file or badger directory
	Redis   RedisConfig
}

// Open builds the configured backend wrapped with metrics.
func Open(ctx context.Context, cfg Config) (StateStore, error) {
	logger := log.WithComponent("store")
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))

	var (
		inner StateStore
		err   error
	)
	switch backend {
	case BackendMemory:
		inner = NewMemoryStore()
	case BackendSqlite:
		if err := verifyExisting(cfg.Path); err != nil {
			return nil, err
		}
		inner, err = NewSqliteStore(cfg.Path)
	case BackendRedis:
		inner, err = NewRedisStore(ctx, cfg.Redis)
		if err == nil {
			inner = NewGuardedStore(inner, backend, redisBreakerThreshold, redisBreakerReset)
		}
	case BackendBadger:
		inner, err = OpenBadgerStore(cfg.Path)
	default:
		return nil, fmt.Errorf("session store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("session store: open %s: %w", backend, err)
	}

	logger.Info().
		Str("backend", backend).
		Str("path", cfg.Path).
		Msg("session store opened")
	return NewInstrumentedStore(inner, backend), nil
}

// verifyExisting refuses to start on a corrupted database file.
func verifyExisting(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	issues, err := sqlite.VerifyIntegrity(path, "quick")
	if err != nil {
		return fmt.Errorf("session store: integrity check: %w", err)
	}
	if len(issues) > 0 {
		return fmt.Errorf("session store: %s is corrupted: %s", path, strings.Join(issues, "; "))
	}
	return nil
}
