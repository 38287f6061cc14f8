// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/simdesk/internal/domain/session/lifecycle"
	"github.com/ManuGH/simdesk/internal/domain/session/store"
)

var (
	// ErrClosed is returned once Close has begun.
	ErrClosed = errors.New("session manager closed")

	errStartAborted = errors.New("session was deleted while starting")
	errNotIdle      = errors.New("session is no longer idle")
	errHandleMoved  = errors.New("session handle changed")
)

// storeErr maps store failures onto the lifecycle error kinds surfaced to callers.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, lifecycle.ErrStoreUnavailable, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// lostRace reports store outcomes that mean another actor changed the record first.
func lostRace(err error) bool {
	return errors.Is(err, store.ErrStateMismatch) || errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, errNotIdle) || errors.Is(err, errHandleMoved)
}
