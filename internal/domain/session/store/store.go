// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store holds the authoritative per-user session records.
//
// Every backend enforces the same contract: at most one record per user,
// conditional writes evaluated atomically against the stored state, and
// copy-on-read so callers never alias stored data.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

var (
	// ErrNotFound is returned when no record exists for the user.
	ErrNotFound = errors.New("session record not found")
	// ErrStateMismatch is returned when a conditional write finds a different state.
	ErrStateMismatch = errors.New("session state mismatch")
	// ErrUnavailable wraps backend failures (I/O, connectivity, contention exhaustion).
	ErrUnavailable = errors.New("session store unavailable")
)

// MutateFunc edits a private copy of the record inside a conditional write.
// Returning an error aborts the write and is passed through unchanged.
type MutateFunc func(*model.Session) error

// StateStore is the persistence contract for session records.
type StateStore interface {
	// InsertIfAbsent stores rec only if the user has no record.
	// On conflict it returns inserted=false and a copy of the existing record.
	InsertIfAbsent(ctx context.Context, rec *model.Session) (inserted bool, existing *model.Session, err error)

	// Get returns a copy of the user's record or ErrNotFound.
	Get(ctx context.Context, userID string) (*model.Session, error)

	// CompareAndSwap applies fn to the record only if its state equals expect.
	// It returns ErrNotFound if absent and ErrStateMismatch if the state differs.
	CompareAndSwap(ctx context.Context, userID string, expect model.State, fn MutateFunc) (*model.Session, error)

	// DeleteIf removes the record only if its state equals expect.
	DeleteIf(ctx context.Context, userID string, expect model.State) (bool, error)

	// Delete removes the record unconditionally. Deleting an absent record is not an error.
	Delete(ctx context.Context, userID string) error

	// ScanIdle returns RUNNING records whose LastSeenAt is strictly before the cutoff.
	ScanIdle(ctx context.Context, before time.Time) ([]*model.Session, error)

	// List returns copies of all records.
	List(ctx context.Context) ([]*model.Session, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// applyMutation runs fn on a copy of cur and enforces the invariants every
// backend relies on: the user id is immutable and the resulting state is storable.
func applyMutation(cur *model.Session, fn MutateFunc) (*model.Session, error) {
	next := cur.Clone()
	if fn != nil {
		if err := fn(next); err != nil {
			return nil, err
		}
	}
	if next.UserID != cur.UserID {
		return nil, errors.New("session store: user id is immutable")
	}
	if !next.State.Valid() {
		return nil, errors.New("session store: invalid state " + string(next.State))
	}
	return next, nil
}

func isIdle(rec *model.Session, before time.Time) bool {
	return rec.State == model.StateRunning && rec.LastSeenAt.Before(before)
}
