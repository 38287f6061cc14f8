// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/simdesk/internal/domain/session/lifecycle"
	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/domain/session/ports"
	"github.com/ManuGH/simdesk/internal/log"
)

// SweeperConfig defines reaping policies. Both values can change at runtime.
type SweeperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration // Stop RUNNING sessions after no activity (0 disables)
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Crashed          int
	Idle             int
	StaleStarts      int
	Terminated       int // owned TERMINATING records left behind by another instance or a restart
	StaleTerminating int
	Failed           int
}

// Sweeper is the background reaper: crash detection, idle timeout and
// cleanup of records orphaned by a crashed instance. Liveness is only
// checked for sessions this instance owns.
type Sweeper struct {
	m *Manager

	mu       sync.Mutex
	conf     SweeperConfig
	interval chan time.Duration
}

func NewSweeper(m *Manager, conf SweeperConfig) *Sweeper {
	return &Sweeper{m: m, conf: conf, interval: make(chan time.Duration, 1)}
}

// SetIdleTimeout takes effect on the next pass.
func (s *Sweeper) SetIdleTimeout(d time.Duration) {
	s.mu.Lock()
	s.conf.IdleTimeout = d
	s.mu.Unlock()
}

// SetInterval resets the running ticker.
func (s *Sweeper) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.conf.Interval = d
	s.mu.Unlock()
	select {
	case <-s.interval:
	default:
	}
	s.interval <- d
}

func (s *Sweeper) config() SweeperConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conf
}

// Run starts the sweeper loop. It periodically calls SweepOnce on a ticker.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.config().Interval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.L().Info().Dur("interval", interval).Msg("background sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.interval:
			ticker.Reset(d)
			log.L().Info().Dur("interval", d).Msg("sweeper interval updated")
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs exactly one pass. It is deterministic and suitable for unit testing.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult
	m := s.m
	conf := s.config()
	now := m.now()
	logger := log.WithComponent("sweeper")

	list, err := m.store.List(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("sweep scan failed")
		return res
	}

	counts := make(map[model.State]int)
	for _, rec := range list {
		counts[rec.State]++
		switch rec.State {
		case model.StateRunning:
			if m.workloadGone(ctx, rec) && m.crashed(ctx, rec) {
				res.Crashed++
			}
		case model.StateStarting:
			if now.Sub(rec.UpdatedAt) > 2*m.cfg.LaunchTimeout && !m.hasLocalFlight(rec.UserID) && m.failStale(ctx, rec) {
				res.StaleStarts++
			}
		case model.StateTerminating:
			switch {
			case m.owns(rec):
				if !m.busyLocally(rec.UserID) && m.finishTermination(ctx, rec) == nil {
					res.Terminated++
				}
			case now.Sub(rec.UpdatedAt) > 2*m.cfg.StopTimeout+2*conf.Interval && m.forceRemove(ctx, rec):
				// The owner gets a couple of its own passes before anyone else gives up on it.
				res.StaleTerminating++
			}
		case model.StateFailed:
			if ok, err := m.store.DeleteIf(ctx, rec.UserID, model.StateFailed); err == nil && ok {
				res.Failed++
			}
		}
	}

	if conf.IdleTimeout > 0 {
		cutoff := now.Add(-conf.IdleTimeout)
		idle, err := m.store.ScanIdle(ctx, cutoff)
		if err != nil {
			logger.Error().Err(err).Msg("idle scan failed")
		}
		for _, rec := range idle {
			err := m.terminate(ctx, rec.UserID, model.StateRunning,
				lifecycle.Event{Kind: lifecycle.EvIdleTimeout},
				func(r *model.Session) error {
					if !r.LastSeenAt.Before(cutoff) {
						return errNotIdle
					}
					return nil
				})
			switch {
			case err == nil:
				res.Idle++
			case lostRace(err):
			default:
				logger.Warn().Err(err).Str(log.FieldUserID, rec.UserID).Msg("idle reap failed")
			}
		}
	}

	setActive(counts)
	if res != (SweepResult{}) {
		logger.Info().
			Int("crashed", res.Crashed).
			Int("idle", res.Idle).
			Int("stale_starts", res.StaleStarts).
			Int("terminated", res.Terminated).
			Int("stale_terminating", res.StaleTerminating).
			Int("failed", res.Failed).
			Msg("sweep completed")
	}
	return res
}

// failStale retires a STARTING record no flight is driving anymore.
func (m *Manager) failStale(ctx context.Context, rec *model.Session) bool {
	var handle string
	_, err := m.store.CompareAndSwap(ctx, rec.UserID, model.StateStarting, func(r *model.Session) error {
		if !r.UpdatedAt.Equal(rec.UpdatedAt) {
			return errHandleMoved
		}
		handle = r.Handle
		_, err := lifecycle.Apply(r, lifecycle.Event{Kind: lifecycle.EvStaleStart}, m.now())
		return err
	})
	if err != nil {
		if !lostRace(err) {
			logger := m.logger(ctx, rec.UserID)
			logger.Warn().Err(err).Msg("failed to retire stale start")
		}
		return false
	}

	logger := m.logger(ctx, rec.UserID)
	logger.Warn().
		Str(log.FieldEvent, "session.stale_start").
		Str(log.FieldHandle, handle).
		Str("owner", rec.Owner).
		Time("updated_at", rec.UpdatedAt).
		Msg("retiring session stuck in STARTING")
	if handle != "" && m.owns(rec) {
		m.stopOwned(ctx, rec.UserID, ports.Handle(handle), model.RStaleStart)
	}
	_, _ = m.store.DeleteIf(ctx, rec.UserID, model.StateFailed)
	recordEnd(model.RStaleStart)
	return true
}

// forceRemove drops a TERMINATING record of another instance that never
// finished it. The workload lives on that instance and cannot be reclaimed here.
func (m *Manager) forceRemove(ctx context.Context, rec *model.Session) bool {
	ok, err := m.store.DeleteIf(ctx, rec.UserID, model.StateTerminating)
	if err != nil || !ok {
		return false
	}
	logger := m.logger(ctx, rec.UserID)
	logger.Warn().
		Str(log.FieldEvent, "session.force_removed").
		Str(log.FieldHandle, rec.Handle).
		Str("owner", rec.Owner).
		Str(log.FieldReason, string(model.RStopTimeout)).
		Msg("removed session its owner never finished stopping")
	recordEnd(model.RStopTimeout)
	return true
}
