// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/resilience"
)

// guardedStore fails fast with ErrUnavailable while the backend keeps failing,
// so request handlers do not each wait out a dead connection.
type guardedStore struct {
	inner StateStore
	cb    *resilience.CircuitBreaker
}

// NewGuardedStore wraps inner with a circuit breaker. Only ErrUnavailable counts
// as a failure; conflicts and caller cancellation do not.
func NewGuardedStore(inner StateStore, name string, threshold int, reset time.Duration) StateStore {
	return &guardedStore{
		inner: inner,
		cb: resilience.NewCircuitBreaker("store_"+name, threshold, reset,
			resilience.WithFailureFilter(isBackendFailure)),
	}
}

func isBackendFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrUnavailable)
}

func (g *guardedStore) do(fn func() error) error {
	err := g.cb.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (g *guardedStore) InsertIfAbsent(ctx context.Context, rec *model.Session) (ok bool, existing *model.Session, err error) {
	err = g.do(func() error {
		var e error
		ok, existing, e = g.inner.InsertIfAbsent(ctx, rec)
		return e
	})
	return ok, existing, err
}

func (g *guardedStore) Get(ctx context.Context, userID string) (rec *model.Session, err error) {
	err = g.do(func() error {
		var e error
		rec, e = g.inner.Get(ctx, userID)
		return e
	})
	return rec, err
}

func (g *guardedStore) CompareAndSwap(ctx context.Context, userID string, expect model.State, fn MutateFunc) (rec *model.Session, err error) {
	err = g.do(func() error {
		var e error
		rec, e = g.inner.CompareAndSwap(ctx, userID, expect, fn)
		return e
	})
	return rec, err
}

func (g *guardedStore) DeleteIf(ctx context.Context, userID string, expect model.State) (ok bool, err error) {
	err = g.do(func() error {
		var e error
		ok, e = g.inner.DeleteIf(ctx, userID, expect)
		return e
	})
	return ok, err
}

func (g *guardedStore) Delete(ctx context.Context, userID string) error {
	return g.do(func() error { return g.inner.Delete(ctx, userID) })
}

func (g *guardedStore) ScanIdle(ctx context.Context, before time.Time) (list []*model.Session, err error) {
	err = g.do(func() error {
		var e error
		list, e = g.inner.ScanIdle(ctx, before)
		return e
	})
	return list, err
}

func (g *guardedStore) List(ctx context.Context) (list []*model.Session, err error) {
	err = g.do(func() error {
		var e error
		list, e = g.inner.List(ctx)
		return e
	})
	return list, err
}

func (g *guardedStore) Ping(ctx context.Context) error {
	return g.do(func() error { return g.inner.Ping(ctx) })
}

func (g *guardedStore) Close() error { return g.inner.Close() }
