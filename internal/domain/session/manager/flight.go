// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/simdesk/internal/domain/session/lifecycle"
	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/domain/session/ports"
	"github.com/ManuGH/simdesk/internal/log"
	"github.com/ManuGH/simdesk/internal/telemetry"
)

// joinFlight runs or joins the launch flight for userID. The flight itself is
// detached from ctx; only the wait is bound to it.
func (m *Manager) joinFlight(ctx context.Context, userID string) (*model.Session, bool, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(userID, func() (any, error) {
		return m.runFlight(detached, userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*model.Session).Clone(), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// awaitStarting waits for a STARTING session to settle, joining the local
// flight when this instance owns it and polling the store otherwise.
func (m *Manager) awaitStarting(ctx context.Context, userID string) (*model.Session, error) {
	if m.hasLocalFlight(userID) {
		rec, _, err := m.joinFlight(ctx, userID)
		return rec, err
	}
	return m.awaitSettled(ctx, userID)
}

// awaitSettled polls the store until the user's session leaves STARTING,
// bounded by the launch timeout.
func (m *Manager) awaitSettled(ctx context.Context, userID string) (*model.Session, error) {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.LaunchTimeout)
	defer cancel()
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()

	for {
		rec, err := m.load(wctx, userID)
		if err != nil && ctx.Err() == nil && wctx.Err() == nil {
			return nil, err
		}
		if err == nil {
			switch {
			case rec == nil, rec.State == model.StateFailed:
				return nil, fmt.Errorf("%w: start did not complete", lifecycle.ErrLaunchFailed)
			case rec.State == model.StateRunning:
				return rec, nil
			case rec.State == model.StateTerminating:
				return nil, lifecycle.ErrSessionTerminating
			}
		}

		select {
		case <-wctx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: timed out waiting for session start", lifecycle.ErrLaunchFailed)
		case <-tick.C:
		}
	}
}

// runFlight performs one launch for userID. It runs at most once per user at
// a time on this instance; every concurrent caller receives its result.
func (m *Manager) runFlight(parent context.Context, userID string) (*model.Session, error) {
	done, ok := m.workers.enter()
	if !ok {
		return nil, ErrClosed
	}
	defer done()
	m.setLocal(userID, true)
	defer m.setLocal(userID, false)
	launchInflight.Inc()
	defer launchInflight.Dec()

	ctx, cancel := context.WithTimeout(parent, m.cfg.LaunchTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "session.launch", trace.WithAttributes(telemetry.SessionAttributes(userID, "")...))
	defer span.End()
	logger := m.logger(ctx, userID)

	startedWall := time.Now()
	rec, existing, err := m.insertStarting(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err, reasonClass(err))
		return nil, err
	}
	if existing != nil {
		return m.settleExisting(ctx, existing)
	}
	logger.Info().
		Str(log.FieldEvent, "session.starting").
		Int(log.FieldAttempt, rec.Attempt).
		Msg("session starting")

	if err := m.admit(ctx); err != nil {
		return m.failStart(ctx, userID, "", false, model.RLaunchFailed, fmt.Errorf("admission: %w", err))
	}
	defer m.release()

	h, err := m.runner.Launch(ctx, ports.LaunchSpec{UserID: userID})
	if err != nil {
		return m.failStart(ctx, userID, "", false, model.RLaunchFailed, fmt.Errorf("launch: %w", err))
	}

	_, err = m.store.CompareAndSwap(ctx, userID, model.StateStarting, func(r *model.Session) error {
		r.Handle = string(h)
		r.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		if lostRace(err) {
			// Deleted before the handle was recorded: nobody else can know about it.
			m.stopOwned(ctx, userID, h, model.RClientStop)
			return nil, fmt.Errorf("%w: %w", lifecycle.ErrLaunchFailed, errStartAborted)
		}
		return m.failStart(ctx, userID, h, false, model.RLaunchFailed, storeErr("attach", err))
	}

	port, err := m.waitHealthy(ctx, h, logger)
	if err != nil {
		reason := model.RLaunchFailed
		if errors.Is(err, ports.ErrHealthTimeout) || errors.Is(err, context.DeadlineExceeded) {
			reason = model.RHealthTimeout
		}
		return m.failStart(ctx, userID, h, true, reason, err)
	}

	running, err := m.store.CompareAndSwap(ctx, userID, model.StateStarting, func(r *model.Session) error {
		if r.Handle != string(h) {
			return errHandleMoved
		}
		_, err := lifecycle.Apply(r, lifecycle.Event{Kind: lifecycle.EvReady, Port: port}, m.now())
		return err
	})
	if err != nil {
		if lostRace(err) {
			// A delete took the record (and with it the handle) while we waited.
			return nil, fmt.Errorf("%w: %w", lifecycle.ErrLaunchFailed, errStartAborted)
		}
		return m.failStart(ctx, userID, h, true, model.RLaunchFailed, storeErr("ready", err))
	}

	observeTimeToRunning(time.Since(startedWall))
	span.SetAttributes(telemetry.WorkloadAttributes(string(h), port, running.Attempt)...)
	logger.Info().
		Str(log.FieldEvent, "session.running").
		Str(log.FieldHandle, string(h)).
		Int(log.FieldPort, port).
		Dur("elapsed", time.Since(startedWall)).
		Msg("session running")
	return running, nil
}

// insertStarting creates the STARTING record. If the user already has a live
// record it is returned as existing; FAILED leftovers are cleared first.
func (m *Manager) insertStarting(ctx context.Context, userID string) (*model.Session, *model.Session, error) {
	for attempt := 0; attempt < 2; attempt++ {
		rec := model.NewStarting(userID, m.now())
		rec.Owner = m.cfg.InstanceID
		inserted, existing, err := m.store.InsertIfAbsent(ctx, rec)
		if err != nil {
			return nil, nil, storeErr("insert", err)
		}
		if inserted {
			return rec, nil, nil
		}
		if existing.State != model.StateFailed {
			return nil, existing, nil
		}
		if _, err := m.store.DeleteIf(ctx, userID, model.StateFailed); err != nil {
			return nil, nil, storeErr("clear failed", err)
		}
	}
	return nil, nil, fmt.Errorf("%w: could not claim session record", lifecycle.ErrLaunchFailed)
}

func (m *Manager) settleExisting(ctx context.Context, existing *model.Session) (*model.Session, error) {
	switch existing.State {
	case model.StateRunning:
		return existing, nil
	case model.StateTerminating:
		return nil, lifecycle.ErrSessionTerminating
	default:
		return m.awaitSettled(ctx, existing.UserID)
	}
}

func (m *Manager) admit(ctx context.Context) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	select {
	case m.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() { <-m.slots }

// waitHealthy waits for readiness, retrying transient readiness errors with
// exponential backoff. Exits, unknown handles and timeouts are permanent.
func (m *Manager) waitHealthy(ctx context.Context, h ports.Handle, logger zerolog.Logger) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (int, error) {
		remaining := m.cfg.LaunchTimeout
		if dl, ok := ctx.Deadline(); ok {
			remaining = time.Until(dl)
		}
		if remaining <= 0 {
			return 0, backoff.Permanent(ports.ErrHealthTimeout)
		}
		port, err := m.runner.WaitHealthy(ctx, h, remaining)
		switch {
		case err == nil:
			return port, nil
		case errors.Is(err, ports.ErrWorkloadExited),
			errors.Is(err, ports.ErrUnknownHandle),
			errors.Is(err, ports.ErrHealthTimeout),
			ctx.Err() != nil:
			return 0, backoff.Permanent(err)
		default:
			return 0, err
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.HealthRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug().Err(err).Dur("retry_in", next).Str(log.FieldHandle, string(h)).Msg("health check failed, retrying")
		}),
	)
}

// failStart records a failed launch and releases the workload if this flight
// still owns it. attached reports whether h was recorded in the store: an
// attached handle taken over by a concurrent delete belongs to the deleter.
func (m *Manager) failStart(ctx context.Context, userID string, h ports.Handle, attached bool, reason model.ReasonCode, cause error) (*model.Session, error) {
	cctx, cancel := m.cleanupContext(ctx)
	defer cancel()
	logger := m.logger(ctx, userID)

	owned := !attached
	_, err := m.store.CompareAndSwap(cctx, userID, model.StateStarting, func(r *model.Session) error {
		if attached && r.Handle != string(h) {
			return errHandleMoved
		}
		_, err := lifecycle.Apply(r, lifecycle.Event{Kind: lifecycle.EvLaunchFailed, Reason: reason}, m.now())
		return err
	})
	switch {
	case err == nil:
		owned = true
	case lostRace(err):
	default:
		// The record is stuck in STARTING; the reaper retires it later.
		// Stopping an already stopped handle is a no-op, so stop now.
		owned = true
		logger.Error().Err(err).Msg("failed to record launch failure")
	}

	if owned && h != "" {
		m.stopOwned(cctx, userID, h, reason)
	}
	if err == nil {
		if _, err := m.store.DeleteIf(cctx, userID, model.StateFailed); err != nil {
			logger.Warn().Err(err).Msg("failed to remove failed session")
		}
		recordEnd(reason)
	}

	logger.Warn().Err(cause).
		Str(log.FieldEvent, "session.launch_failed").
		Str(log.FieldReason, string(reason)).
		Str(log.FieldHandle, string(h)).
		Msg("session launch failed")
	return nil, fmt.Errorf("%w: %w", lifecycle.ErrLaunchFailed, cause)
}
