// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package stub provides an in-memory WorkloadRunner for development mode and tests.
// Handles are uuids, ports are handed out sequentially and nothing is executed.
package stub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/simdesk/internal/domain/session/ports"
)

// ErrInjected is returned by faults configured without an explicit error.
var ErrInjected = errors.New("stub: injected failure")

// Config tunes the simulated timings.
type Config struct {
	BasePort      int
	LaunchLatency time.Duration
	ReadyLatency  time.Duration
	StopLatency   time.Duration
}

type instance struct {
	userID string
	port   int
	exited bool
}

// Runner simulates workloads. Fault injection setters are safe to call concurrently
// with the runner methods.
type Runner struct {
	cfg Config

	mu        sync.Mutex
	instances map[ports.Handle]*instance
	released  map[ports.Handle]struct{}
	nextPort  int

	launchErr        error
	neverHealthy     bool
	transientHealth  int
	stopHangs        int
	exitBeforeHealth bool

	launches atomic.Int64
	stops    atomic.Int64
}

func New(cfg Config) *Runner {
	if cfg.BasePort <= 0 {
		cfg.BasePort = 16000
	}
	return &Runner{
		cfg:       cfg,
		instances: make(map[ports.Handle]*instance),
		released:  make(map[ports.Handle]struct{}),
		nextPort:  cfg.BasePort,
	}
}

var _ ports.WorkloadRunner = (*Runner)(nil)

func (r *Runner) Launch(ctx context.Context, spec ports.LaunchSpec) (ports.Handle, error) {
	r.launches.Add(1)
	if err := sleepCtx(ctx, r.cfg.LaunchLatency); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launchErr != nil {
		return "", r.launchErr
	}
	h := ports.Handle(fmt.Sprintf("stub-%s-%s", spec.UserID, uuid.New().String()))
	r.instances[h] = &instance{userID: spec.UserID, port: r.nextPort, exited: r.exitBeforeHealth}
	r.nextPort++
	return h, nil
}

func (r *Runner) WaitHealthy(ctx context.Context, h ports.Handle, timeout time.Duration) (int, error) {
	r.mu.Lock()
	inst, ok := r.instances[h]
	if !ok {
		r.mu.Unlock()
		return 0, ports.ErrUnknownHandle
	}
	if inst.exited {
		r.mu.Unlock()
		return 0, ports.ErrWorkloadExited
	}
	if r.transientHealth > 0 {
		r.transientHealth--
		r.mu.Unlock()
		return 0, fmt.Errorf("stub: readiness check refused: %w", ErrInjected)
	}
	never := r.neverHealthy
	port := inst.port
	r.mu.Unlock()

	wait := r.cfg.ReadyLatency
	if never || wait > timeout {
		wait = timeout
	}
	if err := sleepCtx(ctx, wait); err != nil {
		return 0, err
	}
	if never || r.cfg.ReadyLatency > timeout {
		return 0, ports.ErrHealthTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.instances[h]; !ok || cur.exited {
		return 0, ports.ErrWorkloadExited
	}
	return port, nil
}

func (r *Runner) Stop(ctx context.Context, h ports.Handle, timeout time.Duration) error {
	r.mu.Lock()
	_, ok := r.instances[h]
	_, gone := r.released[h]
	hang := ok && r.stopHangs > 0
	if hang {
		r.stopHangs--
	}
	r.mu.Unlock()
	if gone {
		return nil
	}
	if !ok {
		return ports.ErrUnknownHandle
	}

	if hang {
		if err := sleepCtx(ctx, timeout); err != nil {
			return err
		}
		return ports.ErrStopTimeout
	}
	if err := sleepCtx(ctx, min(r.cfg.StopLatency, timeout)); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.instances, h)
	r.released[h] = struct{}{}
	r.mu.Unlock()
	r.stops.Add(1)
	return nil
}

// IsAlive reports ErrUnknownHandle for handles another runner issued.
func (r *Runner) IsAlive(ctx context.Context, h ports.Handle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[h]; ok {
		return !inst.exited, nil
	}
	if _, ok := r.released[h]; ok {
		return false, nil
	}
	return false, ports.ErrUnknownHandle
}

// Crash marks the workload as exited without releasing it, as a real process dying would.
func (r *Runner) Crash(h ports.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[h]; ok {
		inst.exited = true
	}
}

// SetLaunchError makes every Launch fail with err (nil clears the fault).
func (r *Runner) SetLaunchError(err error) {
	r.mu.Lock()
	r.launchErr = err
	r.mu.Unlock()
}

// SetNeverHealthy makes WaitHealthy block until its timeout.
func (r *Runner) SetNeverHealthy(v bool) {
	r.mu.Lock()
	r.neverHealthy = v
	r.mu.Unlock()
}

// SetTransientHealthFailures makes the next n WaitHealthy calls fail immediately.
func (r *Runner) SetTransientHealthFailures(n int) {
	r.mu.Lock()
	r.transientHealth = n
	r.mu.Unlock()
}

// SetExitBeforeHealthy makes launched workloads exit immediately.
func (r *Runner) SetExitBeforeHealthy(v bool) {
	r.mu.Lock()
	r.exitBeforeHealth = v
	r.mu.Unlock()
}

// SetStopHangs makes the next n Stop calls on live handles time out.
func (r *Runner) SetStopHangs(n int) {
	r.mu.Lock()
	r.stopHangs = n
	r.mu.Unlock()
}

// Launches counts Launch calls, including failed ones.
func (r *Runner) Launches() int64 { return r.launches.Load() }

// Stops counts successful Stop calls on live handles.
func (r *Runner) Stops() int64 { return r.stops.Load() }

// Active returns the number of workloads not yet stopped (crashed ones included).
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// HandleFor returns the live handle launched for userID, if any.
func (r *Runner) HandleFor(userID string) (ports.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h, inst := range r.instances {
		if inst.userID == userID {
			return h, true
		}
	}
	return "", false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
