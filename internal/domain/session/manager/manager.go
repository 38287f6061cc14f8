// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package manager owns the per-user session lifecycle: it launches, tracks
// and reclaims one backing workload per user on top of a StateStore and a
// WorkloadRunner.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ManuGH/simdesk/internal/domain/session/lifecycle"
	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/domain/session/ports"
	"github.com/ManuGH/simdesk/internal/domain/session/store"
	"github.com/ManuGH/simdesk/internal/log"
	"github.com/ManuGH/simdesk/internal/telemetry"
)

const tracerName = "github.com/ManuGH/simdesk/internal/domain/session/manager"

// stopSlack bounds store bookkeeping around a Stop call on top of StopTimeout.
const stopSlack = 5 * time.Second

// Config tunes the manager. Zero values take the defaults below.
type Config struct {
	LaunchTimeout     time.Duration // whole launch, including health waits (default 90s)
	StopTimeout       time.Duration // graceful stop before escalation (default 15s)
	HealthRetries     int           // extra WaitHealthy attempts after transient errors (default 3)
	LaunchRate        float64       // launches per second, <= 0 disables the limiter
	LaunchBurst       int
	LaunchConcurrency int           // concurrent launches on this instance (default 4)
	PollInterval      time.Duration // store polling while another instance starts a session
	ReclaimQueue      int
	ReclaimAttempts   int
	ReclaimBackoff    time.Duration // first retry delay of the reclaimer
	// InstanceID is stamped on every record this manager inserts. Workloads
	// are only checked and stopped by the instance that owns them.
	// Defaults to a random id, which forfeits adoption after a restart.
	InstanceID  string
	Credentials model.Credentials
	Clock       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 90 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 15 * time.Second
	}
	if c.HealthRetries < 0 {
		c.HealthRetries = 0
	}
	if c.LaunchConcurrency <= 0 {
		c.LaunchConcurrency = 4
	}
	if c.LaunchBurst <= 0 {
		c.LaunchBurst = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ReclaimQueue <= 0 {
		c.ReclaimQueue = 256
	}
	if c.ReclaimAttempts <= 0 {
		c.ReclaimAttempts = 5
	}
	if c.ReclaimBackoff <= 0 {
		c.ReclaimBackoff = time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

// Manager implements StartSession, GetSession and DeleteSession.
// All methods are safe for concurrent use; there is no global lock, only
// per-user atomic store operations and a per-user launch flight.
type Manager struct {
	store  store.StateStore
	runner ports.WorkloadRunner
	cfg    Config

	flights singleflight.Group
	limiter *rate.Limiter
	slots   chan struct{}
	tracer  trace.Tracer

	localMu  sync.Mutex
	local    map[string]struct{}
	stopping map[string]int

	workers workerRegistry
	reclaim *reclaimer
}

// New builds a manager and starts its background reclaimer. Call Close to stop it.
func New(st store.StateStore, runner ports.WorkloadRunner, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:    st,
		runner:   runner,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.LaunchConcurrency),
		tracer:   telemetry.Tracer(tracerName),
		local:    make(map[string]struct{}),
		stopping: make(map[string]int),
		reclaim:  newReclaimer(runner, cfg),
	}
	if cfg.LaunchRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), cfg.LaunchBurst)
	}
	return m
}

func (m *Manager) now() time.Time { return m.cfg.Clock() }

// InstanceID identifies this manager in session records.
func (m *Manager) InstanceID() string { return m.cfg.InstanceID }

func (m *Manager) owns(rec *model.Session) bool { return rec.Owner == m.cfg.InstanceID }

// Credentials returns the fixed demo login attached to running sessions.
func (m *Manager) Credentials() model.Credentials { return m.cfg.Credentials }

func (m *Manager) logger(ctx context.Context, userID string) zerolog.Logger {
	l := log.WithComponentFromContext(ctx, "manager")
	if userID != "" && log.UserIDFromContext(ctx) == "" {
		l = l.With().Str(log.FieldUserID, userID).Logger()
	}
	return l
}

// StartSession ensures the user has a running workload and returns its descriptor.
// A session that is already running is returned as is; a session that is starting
// is joined. Cancelling ctx abandons the wait but never the launch itself.
func (m *Manager) StartSession(ctx context.Context, userID string) (*model.Descriptor, error) {
	if !model.ValidUserID(userID) {
		return nil, lifecycle.ErrBadRequest
	}
	ctx, span := m.tracer.Start(ctx, "session.start", trace.WithAttributes(telemetry.SessionAttributes(userID, "")...))
	defer span.End()

	rec, result, err := m.start(ctx, userID)
	if err != nil {
		recordStart("failure", err)
		telemetry.RecordError(span, err, reasonClass(err))
		return nil, err
	}
	recordStart(result, nil)
	span.SetAttributes(telemetry.SessionAttributes("", string(rec.State))...)
	return model.Describe(rec, m.cfg.Credentials), nil
}

func (m *Manager) start(ctx context.Context, userID string) (*model.Session, string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := m.load(ctx, userID)
		if err != nil {
			return nil, "", err
		}
		if rec == nil {
			s, shared, err := m.joinFlight(ctx, userID)
			if shared {
				return s, "joined", err
			}
			return s, "launched", err
		}

		switch rec.State {
		case model.StateRunning:
			return m.touch(ctx, rec), "existing", nil
		case model.StateStarting:
			s, err := m.awaitStarting(ctx, userID)
			return s, "joined", err
		case model.StateTerminating:
			return nil, "", lifecycle.ErrSessionTerminating
		case model.StateFailed:
			if _, err := m.store.DeleteIf(ctx, userID, model.StateFailed); err != nil {
				return nil, "", storeErr("clear failed", err)
			}
		}
	}
	return nil, "", fmt.Errorf("%w: session state kept changing", lifecycle.ErrLaunchFailed)
}

// GetSession returns the user's descriptor, or nil if there is none.
// A running session whose workload died is reclaimed and reported as absent.
func (m *Manager) GetSession(ctx context.Context, userID string) (*model.Descriptor, error) {
	if !model.ValidUserID(userID) {
		return nil, lifecycle.ErrBadRequest
	}
	ctx, span := m.tracer.Start(ctx, "session.get", trace.WithAttributes(telemetry.SessionAttributes(userID, "")...))
	defer span.End()

	rec, err := m.load(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err, reasonClass(err))
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	switch rec.State {
	case model.StateFailed:
		return nil, nil
	case model.StateRunning:
		if m.workloadGone(ctx, rec) {
			m.crashed(ctx, rec)
			return nil, nil
		}
		rec = m.touch(ctx, rec)
	}
	span.SetAttributes(telemetry.SessionAttributes("", string(rec.State))...)
	return model.Describe(rec, m.cfg.Credentials), nil
}

// DeleteSession stops and removes the user's session. It is idempotent:
// deleting an absent or already terminating session succeeds.
func (m *Manager) DeleteSession(ctx context.Context, userID string) error {
	if !model.ValidUserID(userID) {
		return lifecycle.ErrBadRequest
	}
	ctx, span := m.tracer.Start(ctx, "session.delete", trace.WithAttributes(telemetry.SessionAttributes(userID, "")...))
	defer span.End()

	for attempt := 0; attempt < 3; attempt++ {
		rec, err := m.load(ctx, userID)
		if err != nil {
			telemetry.RecordError(span, err, reasonClass(err))
			return err
		}
		if rec == nil {
			return nil
		}

		switch rec.State {
		case model.StateTerminating:
			return nil
		case model.StateFailed:
			_, err := m.store.DeleteIf(ctx, userID, model.StateFailed)
			return storeErr("clear failed", err)
		}

		err = m.terminate(ctx, userID, rec.State, lifecycle.Event{Kind: lifecycle.EvStopRequested}, nil)
		if lostRace(err) {
			continue
		}
		if err != nil {
			telemetry.RecordError(span, err, reasonClass(err))
		}
		return err
	}
	return nil
}

// List returns all stored sessions.
func (m *Manager) List(ctx context.Context) ([]*model.Session, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return nil, storeErr("list", err)
	}
	return list, nil
}

// StopAll terminates every starting or running session this instance owns
// with R_SHUTDOWN. Used on daemon exit when workloads must not outlive the manager.
func (m *Manager) StopAll(ctx context.Context) error {
	list, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range list {
		if !rec.State.IsActive() || !m.owns(rec) {
			continue
		}
		err := m.terminate(ctx, rec.UserID, rec.State,
			lifecycle.Event{Kind: lifecycle.EvStopRequested, Reason: model.RShutdown}, nil)
		if err != nil && !lostRace(err) {
			logger := m.logger(ctx, rec.UserID)
			logger.Warn().Err(err).Msg("shutdown stop failed")
		}
	}
	return nil
}

// Close stops admitting launches, waits for in-flight launches and drains the reclaimer.
func (m *Manager) Close(ctx context.Context) error {
	err := m.workers.CloseAndWait(ctx)
	if rerr := m.reclaim.close(ctx); err == nil {
		err = rerr
	}
	return err
}

// load returns the user's record, or nil if absent.
func (m *Manager) load(ctx context.Context, userID string) (*model.Session, error) {
	rec, err := m.store.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return rec, nil
}

// touch records activity on a running session. Failures are not fatal to the
// caller: the previous copy is returned.
func (m *Manager) touch(ctx context.Context, rec *model.Session) *model.Session {
	now := m.now()
	updated, err := m.store.CompareAndSwap(ctx, rec.UserID, model.StateRunning, func(r *model.Session) error {
		if now.After(r.LastSeenAt) {
			r.LastSeenAt = now
		}
		return nil
	})
	if err != nil {
		if !lostRace(err) {
			logger := m.logger(ctx, rec.UserID)
			logger.Warn().Err(err).Msg("failed to record session activity")
		}
		return rec
	}
	return updated
}

// terminate moves a STARTING or RUNNING record to TERMINATING, stops the
// attached workload and removes the record. guard runs inside the conditional
// write and may veto it. A record owned by another instance is left in
// TERMINATING for its owner to stop and remove.
func (m *Manager) terminate(ctx context.Context, userID string, from model.State, ev lifecycle.Event, guard store.MutateFunc) error {
	cctx, cancel := m.cleanupContext(ctx)
	defer cancel()
	logger := m.logger(ctx, userID)
	m.setStopping(userID, true)
	defer m.setStopping(userID, false)

	updated, err := m.store.CompareAndSwap(cctx, userID, from, func(r *model.Session) error {
		if guard != nil {
			if err := guard(r); err != nil {
				return err
			}
		}
		_, err := lifecycle.Apply(r, ev, m.now())
		return err
	})
	if err != nil {
		if lostRace(err) {
			return err
		}
		return storeErr("terminate", err)
	}

	logger.Info().
		Str(log.FieldEvent, "session.terminating").
		Str(log.FieldFromState, string(from)).
		Str(log.FieldReason, string(updated.Reason)).
		Str(log.FieldHandle, updated.Handle).
		Msg("session terminating")

	if !m.owns(updated) {
		logger.Info().
			Str(log.FieldEvent, "session.handed_off").
			Str("owner", updated.Owner).
			Msg("session owned by another instance, leaving stop to its owner")
		return nil
	}
	return m.finishTermination(cctx, updated)
}

// finishTermination stops the workload of an owned TERMINATING record and removes it.
func (m *Manager) finishTermination(ctx context.Context, rec *model.Session) error {
	if rec.Handle != "" {
		m.stopOwned(ctx, rec.UserID, ports.Handle(rec.Handle), rec.Reason)
	}
	if _, err := m.store.DeleteIf(ctx, rec.UserID, model.StateTerminating); err != nil {
		return storeErr("remove", err)
	}

	recordEnd(rec.Reason)
	logger := m.logger(ctx, rec.UserID)
	logger.Info().
		Str(log.FieldEvent, "session.ended").
		Str(log.FieldReason, string(rec.Reason)).
		Msg("session ended")
	return nil
}

// workloadGone reports whether the runner confirms that rec's workload ended.
// Only the owner can tell; other instances always assume it is alive.
// An owned handle the runner has lost track of (e.g. an in-memory runner
// after a restart) counts as gone.
func (m *Manager) workloadGone(ctx context.Context, rec *model.Session) bool {
	if !m.owns(rec) {
		return false
	}
	alive, err := m.runner.IsAlive(ctx, ports.Handle(rec.Handle))
	if errors.Is(err, ports.ErrUnknownHandle) {
		return true
	}
	return err == nil && !alive
}

// crashed handles a RUNNING record whose workload is gone.
func (m *Manager) crashed(ctx context.Context, rec *model.Session) bool {
	cctx, cancel := m.cleanupContext(ctx)
	defer cancel()
	logger := m.logger(ctx, rec.UserID)

	_, err := m.store.CompareAndSwap(cctx, rec.UserID, model.StateRunning, func(r *model.Session) error {
		if r.Handle != rec.Handle {
			return errHandleMoved
		}
		_, err := lifecycle.Apply(r, lifecycle.Event{Kind: lifecycle.EvCrashDetected}, m.now())
		return err
	})
	if err != nil {
		if !lostRace(err) {
			logger.Warn().Err(err).Msg("failed to record crashed session")
		}
		return false
	}

	logger.Warn().
		Str(log.FieldEvent, "session.crashed").
		Str(log.FieldHandle, rec.Handle).
		Msg("session workload ended unexpectedly")

	// The process is gone but its group and bookkeeping may not be.
	m.stopOwned(cctx, rec.UserID, ports.Handle(rec.Handle), model.RProcessEnded)
	if _, err := m.store.DeleteIf(cctx, rec.UserID, model.StateFailed); err != nil {
		logger.Warn().Err(err).Msg("failed to remove crashed session")
	}
	recordEnd(model.RProcessEnded)
	return true
}

// stopOwned stops a workload this caller exclusively owns. A failed stop is
// handed to the background reclaimer unless the runner does not know the
// handle, in which case nothing here can reclaim it.
func (m *Manager) stopOwned(ctx context.Context, userID string, h ports.Handle, reason model.ReasonCode) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopTimeout+stopSlack)
	defer cancel()

	err := m.runner.Stop(sctx, h, m.cfg.StopTimeout)
	switch {
	case err == nil:
	case errors.Is(err, ports.ErrUnknownHandle):
		reclaimTotal.WithLabelValues("unknown").Inc()
		logger := m.logger(ctx, userID)
		logger.Warn().Err(err).
			Str(log.FieldHandle, string(h)).
			Str(log.FieldReason, string(reason)).
			Msg("runner does not know the workload, nothing to stop here")
	default:
		logger := m.logger(ctx, userID)
		logger.Warn().Err(err).
			Str(log.FieldEvent, "session.stop_timeout").
			Str(log.FieldHandle, string(h)).
			Str(log.FieldReason, string(model.RStopTimeout)).
			Msg("workload did not stop in time, reclaiming in background")
		m.reclaim.enqueue(reclaimJob{userID: userID, handle: h, reason: reason})
	}
}

// cleanupContext detaches from the caller so client disconnects cannot leave
// half-finished transitions behind.
func (m *Manager) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopTimeout+2*stopSlack)
}

func (m *Manager) setLocal(userID string, on bool) {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	if on {
		m.local[userID] = struct{}{}
	} else {
		delete(m.local, userID)
	}
}

// setStopping counts concurrent terminations per user; they may overlap briefly.
func (m *Manager) setStopping(userID string, on bool) {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	if on {
		m.stopping[userID]++
		return
	}
	m.stopping[userID]--
	if m.stopping[userID] <= 0 {
		delete(m.stopping, userID)
	}
}

// busyLocally reports whether this instance is launching or stopping userID's workload.
func (m *Manager) busyLocally(userID string) bool {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	_, launching := m.local[userID]
	_, stopping := m.stopping[userID]
	return launching || stopping
}

// hasLocalFlight reports whether this instance is currently launching for userID.
func (m *Manager) hasLocalFlight(userID string) bool {
	m.localMu.Lock()
	defer m.localMu.Unlock()
	_, ok := m.local[userID]
	return ok
}
