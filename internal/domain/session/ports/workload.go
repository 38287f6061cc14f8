// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ports

import (
	"context"
	"errors"
	"time"
)

// Handle is an opaque ownership token for one running backing workload.
type Handle string

var (
	// ErrUnknownHandle is returned for handles this runner did not issue and
	// cannot reclaim, e.g. one launched by another instance sharing the store.
	// Callers must treat it as "not mine", never as "dead".
	ErrUnknownHandle = errors.New("unknown workload handle")
	// ErrWorkloadExited is a permanent health failure: the workload is gone and waiting longer will not help.
	ErrWorkloadExited = errors.New("workload exited")
	// ErrHealthTimeout means the workload did not report readiness within the allotted time.
	ErrHealthTimeout = errors.New("workload health timeout")
	// ErrStopTimeout means the workload did not confirm shutdown even after forced termination.
	ErrStopTimeout = errors.New("workload stop timeout")
)

// LaunchSpec describes the instance to start. Runners may ignore fields they do not need.
type LaunchSpec struct {
	UserID string
}

// WorkloadRunner controls opaque backing workloads (subprocess, container, VM).
// It is strictly an orchestration interface; implementations own the "how".
//
// All methods must be safe for concurrent use by different sessions, and every
// blocking method must honour both its timeout and ctx.
type WorkloadRunner interface {
	// Launch starts a new instance and returns its handle without waiting for readiness.
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)

	// WaitHealthy blocks until the instance reports its listening port or timeout elapses.
	WaitHealthy(ctx context.Context, h Handle, timeout time.Duration) (int, error)

	// Stop requests graceful shutdown and escalates to forced termination on timeout.
	// Stopping an instance that already ended returns nil.
	Stop(ctx context.Context, h Handle, timeout time.Duration) error

	// IsAlive is a cheap liveness check. It returns ErrUnknownHandle when the
	// runner cannot judge h; the instance may well be alive elsewhere.
	IsAlive(ctx context.Context, h Handle) (bool, error)
}
