// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package validation runs pre-flight checks against the host before the daemon serves.
package validation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ManuGH/simdesk/internal/config"
	"github.com/ManuGH/simdesk/internal/domain/session/store"
	"github.com/ManuGH/simdesk/internal/log"
)

// PerformStartupChecks validates the environment and dependencies before starting the server.
func PerformStartupChecks(ctx context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := ctx.Err(); err != nil {
		return err
	}

	switch cfg.Store.Backend {
	case store.BackendSqlite:
		if err := checkDataDir(logger, filepath.Dir(cfg.Store.Path)); err != nil {
			return fmt.Errorf("store directory check failed: %w", err)
		}
	case store.BackendBadger:
		if err := os.MkdirAll(cfg.Store.Path, 0o750); err != nil {
			return fmt.Errorf("store directory check failed: %w", err)
		}
		if err := checkDataDir(logger, cfg.Store.Path); err != nil {
			return fmt.Errorf("store directory check failed: %w", err)
		}
	}

	if cfg.Runner.Kind == "process" {
		if err := checkCommand(logger, cfg.Runner.Command); err != nil {
			return fmt.Errorf("runner check failed: %w", err)
		}
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	f, err := os.CreateTemp(path, ".write_test-*")
	if err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	logger.Info().Str("path", path).Msg("store directory is writable")
	return nil
}

func checkCommand(logger zerolog.Logger, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("no workload command configured")
	}
	resolved, err := exec.LookPath(command[0])
	if err != nil {
		return fmt.Errorf("workload command %q not found: %w", command[0], err)
	}
	logger.Info().Str("command", resolved).Msg("workload command resolved")
	return nil
}
