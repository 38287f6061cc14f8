// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/simdesk/internal/domain/session/lifecycle"
	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/workload/stub"
)

func TestGetSession_BeforeStartIsEmpty(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)

	d, err := h.m.GetSession(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, h.runner.Launches())
}

func TestStartSession_RunningHasPortAndCredentials(t *testing.T) {
	h := newHarness(t, stub.Config{BasePort: 6080}, nil)
	ctx := context.Background()

	d, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, d.State)
	assert.Equal(t, 6080, d.Port)
	require.NotNil(t, d.Credentials)
	assert.Equal(t, demoCreds, *d.Credentials)

	rec := h.record("alice")
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.Handle)
	assert.Equal(t, 6080, rec.Port)

	got, err := h.m.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, d.Port, got.Port)
	assert.Equal(t, model.StateRunning, got.State)
}

func TestStartSession_IdempotentWhenRunning(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()

	first, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	second, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, first.Port, second.Port)
	assert.Equal(t, int64(1), h.runner.Launches())
}

func TestStartSession_ConcurrentStartsLaunchOnce(t *testing.T) {
	h := newHarness(t, stub.Config{ReadyLatency: 50 * time.Millisecond}, nil)

	const callers = 32
	ports := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := h.m.StartSession(context.Background(), "alice")
			if assert.NoError(t, err) {
				ports[i] = d.Port
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), h.runner.Launches())
	for _, p := range ports {
		assert.Equal(t, ports[0], p)
	}
	assert.Equal(t, 1, h.runner.Active())
}

func TestStartSession_ManyUsersOneLaunchEach(t *testing.T) {
	h := newHarness(t, stub.Config{ReadyLatency: 20 * time.Millisecond}, nil)

	var wg sync.WaitGroup
	for u := 0; u < 10; u++ {
		for c := 0; c < 5; c++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				_, err := h.m.StartSession(context.Background(), user)
				assert.NoError(t, err)
			}(fmt.Sprintf("user-%d", u))
		}
	}
	wg.Wait()

	assert.Equal(t, int64(10), h.runner.Launches())
	list, err := h.m.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 10)
}

func TestStartSession_JoinsWhileStarting(t *testing.T) {
	h := newHarness(t, stub.Config{ReadyLatency: 150 * time.Millisecond}, nil)

	firstDone := make(chan *model.Descriptor, 1)
	go func() {
		d, err := h.m.StartSession(context.Background(), "alice")
		assert.NoError(t, err)
		firstDone <- d
	}()
	h.waitState(t, "alice", model.StateStarting)

	mid, err := h.m.GetSession(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateStarting, mid.State)
	assert.Zero(t, mid.Port, "no port before running")
	assert.Nil(t, mid.Credentials)

	second, err := h.m.StartSession(context.Background(), "alice")
	require.NoError(t, err)
	first := <-firstDone

	assert.Equal(t, model.StateRunning, second.State)
	assert.Equal(t, first.Port, second.Port)
	assert.Equal(t, int64(1), h.runner.Launches())
}

func TestStartSession_AwaitsRemoteStart(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()

	// A STARTING record written by another instance.
	_, _, err := h.store.InsertIfAbsent(ctx, model.NewStarting("alice", h.clock.Now()))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = h.store.CompareAndSwap(ctx, "alice", model.StateStarting, func(r *model.Session) error {
			r.State = model.StateRunning
			r.Handle = "remote"
			r.Port = 7001
			return nil
		})
	}()

	d, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 7001, d.Port)
	assert.Zero(t, h.runner.Launches())
}

func TestStartSession_HealthNeverCompletes(t *testing.T) {
	h := newHarness(t, stub.Config{}, func(c *Config) { c.LaunchTimeout = 150 * time.Millisecond })
	h.runner.SetNeverHealthy(true)

	_, err := h.m.StartSession(context.Background(), "alice")
	require.ErrorIs(t, err, lifecycle.ErrLaunchFailed)

	d, err := h.m.GetSession(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Nil(t, h.record("alice"))
	assert.Zero(t, h.runner.Active(), "workload must be stopped")
}

func TestStartSession_WorkloadExitsBeforeHealthy(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	h.runner.SetExitBeforeHealthy(true)

	_, err := h.m.StartSession(context.Background(), "alice")
	require.ErrorIs(t, err, lifecycle.ErrLaunchFailed)
	assert.Nil(t, h.record("alice"))
	assert.Zero(t, h.runner.Active())
}

func TestStartSession_LaunchErrorLeavesNoSession(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	boom := errors.New("no capacity")
	h.runner.SetLaunchError(boom)

	_, err := h.m.StartSession(context.Background(), "alice")
	require.ErrorIs(t, err, lifecycle.ErrLaunchFailed)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, h.record("alice"))

	h.runner.SetLaunchError(nil)
	d, err := h.m.StartSession(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, d.State)
}

func TestStartSession_TransientHealthErrorsRetried(t *testing.T) {
	h := newHarness(t, stub.Config{}, func(c *Config) { c.HealthRetries = 3 })
	h.runner.SetTransientHealthFailures(2)

	d, err := h.m.StartSession(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, d.State)
}

func TestStartSession_TransientHealthRetriesBounded(t *testing.T) {
	h := newHarness(t, stub.Config{}, func(c *Config) { c.HealthRetries = 1 })
	h.runner.SetTransientHealthFailures(5)

	_, err := h.m.StartSession(context.Background(), "alice")
	require.ErrorIs(t, err, lifecycle.ErrLaunchFailed)
	assert.Zero(t, h.runner.Active())
}

func TestStartSession_ClientCancelDoesNotAbortLaunch(t *testing.T) {
	h := newHarness(t, stub.Config{ReadyLatency: 150 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.m.StartSession(ctx, "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rec := h.waitState(t, "alice", model.StateRunning)
	assert.NotZero(t, rec.Port)
	assert.Equal(t, int64(1), h.runner.Launches())
}

func TestStartSession_TerminatingConflicts(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	rec := model.NewStarting("alice", h.clock.Now())
	rec.State = model.StateTerminating
	_, _, err := h.store.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)

	_, err = h.m.StartSession(ctx, "alice")
	require.ErrorIs(t, err, lifecycle.ErrSessionTerminating)
	assert.Zero(t, h.runner.Launches())
}

func TestStartSession_ReplacesFailedLeftover(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	rec := model.NewStarting("alice", h.clock.Now())
	rec.State = model.StateFailed
	rec.Reason = model.RLaunchFailed
	_, _, err := h.store.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)

	d, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, d.State)
}

func TestStartSession_StoreUnavailable(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	h.m.store = unavailableStore{StateStore: h.store}

	_, err := h.m.StartSession(context.Background(), "alice")
	require.ErrorIs(t, err, lifecycle.ErrStoreUnavailable)
	_, err = h.m.GetSession(context.Background(), "alice")
	require.ErrorIs(t, err, lifecycle.ErrStoreUnavailable)
	require.ErrorIs(t, h.m.DeleteSession(context.Background(), "alice"), lifecycle.ErrStoreUnavailable)
	assert.Zero(t, h.runner.Launches(), "no partial state on store failure")
}

func TestManager_RejectsInvalidUser(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()

	_, err := h.m.StartSession(ctx, "")
	require.ErrorIs(t, err, lifecycle.ErrBadRequest)
	_, err = h.m.GetSession(ctx, "bad\nuser")
	require.ErrorIs(t, err, lifecycle.ErrBadRequest)
	require.ErrorIs(t, h.m.DeleteSession(ctx, ""), lifecycle.ErrBadRequest)
}

func TestDeleteSession_Idempotent(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.m.DeleteSession(ctx, "alice"), "deleting nothing succeeds")

	_, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, h.m.DeleteSession(ctx, "alice"))
	require.NoError(t, h.m.DeleteSession(ctx, "alice"))

	d, err := h.m.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, h.runner.Active())
	assert.Equal(t, int64(1), h.runner.Stops())
}

func TestDeleteSession_DuringStart(t *testing.T) {
	h := newHarness(t, stub.Config{ReadyLatency: 200 * time.Millisecond}, nil)

	startErr := make(chan error, 1)
	go func() {
		_, err := h.m.StartSession(context.Background(), "alice")
		startErr <- err
	}()
	h.waitState(t, "alice", model.StateStarting)

	require.NoError(t, h.m.DeleteSession(context.Background(), "alice"))
	require.ErrorIs(t, <-startErr, lifecycle.ErrLaunchFailed)

	assert.Nil(t, h.record("alice"))
	require.Eventually(t, func() bool { return h.runner.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDeleteSession_StopTimeoutForcesRemoval(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()

	_, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	h.runner.SetStopHangs(1)

	require.NoError(t, h.m.DeleteSession(ctx, "alice"))
	assert.Nil(t, h.record("alice"), "record is removed even when stop times out")

	require.Eventually(t, func() bool { return h.runner.Active() == 0 }, 2*time.Second, 10*time.Millisecond,
		"reclaimer should finish the stop")
}

func TestDeleteSession_ClientCancelStillCompletes(t *testing.T) {
	h := newHarness(t, stub.Config{StopLatency: 50 * time.Millisecond}, nil)

	_, err := h.m.StartSession(context.Background(), "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	require.NoError(t, h.m.DeleteSession(ctx, "alice"))
	assert.Nil(t, h.record("alice"))
	assert.Zero(t, h.runner.Active())
}

func TestGetSession_CrashedWorkloadIsReclaimed(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()

	_, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	handle, ok := h.runner.HandleFor("alice")
	require.True(t, ok)
	h.runner.Crash(handle)

	d, err := h.m.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Nil(t, h.record("alice"))
	assert.Zero(t, h.runner.Active())

	// A fresh start launches a new workload.
	d, err = h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, d.State)
	assert.Equal(t, int64(2), h.runner.Launches())
}

func TestGetSession_TouchesLastSeen(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()

	_, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	before := h.record("alice").LastSeenAt

	h.clock.Advance(time.Minute)
	_, err = h.m.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Add(time.Minute), h.record("alice").LastSeenAt)
}

func TestStopAll(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		_, err := h.m.StartSession(ctx, u)
		require.NoError(t, err)
	}

	require.NoError(t, h.m.StopAll(ctx))
	list, err := h.m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, h.runner.Active())
}

func TestManager_ClosedRejectsLaunches(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	require.NoError(t, h.m.Close(context.Background()))

	_, err := h.m.StartSession(context.Background(), "alice")
	require.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, h.runner.Launches())
}
