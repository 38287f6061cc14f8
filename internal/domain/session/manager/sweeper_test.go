// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/domain/session/ports"
	"github.com/ManuGH/simdesk/internal/workload/stub"
)

func (h *harness) seed(t *testing.T, userID string, st model.State, handle string) {
	t.Helper()
	rec := model.NewStarting(userID, h.clock.Now())
	rec.State = st
	rec.Handle = handle
	rec.Owner = h.m.InstanceID()
	inserted, _, err := h.store.InsertIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestSweepOnce_ReapsIdleSessions(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	_, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)

	s := NewSweeper(h.m, SweeperConfig{IdleTimeout: 10 * time.Minute})
	assert.Equal(t, SweepResult{}, s.SweepOnce(ctx), "fresh session is not idle")

	h.clock.Advance(11 * time.Minute)
	res := s.SweepOnce(ctx)
	assert.Equal(t, 1, res.Idle)
	assert.Nil(t, h.record("alice"))
	assert.Zero(t, h.runner.Active())
}

func TestSweepOnce_ActivityPreventsReap(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	_, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)

	s := NewSweeper(h.m, SweeperConfig{IdleTimeout: 10 * time.Minute})
	h.clock.Advance(9 * time.Minute)
	_, err = h.m.GetSession(ctx, "alice")
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	assert.Zero(t, s.SweepOnce(ctx).Idle)
	assert.Equal(t, model.StateRunning, h.record("alice").State)
}

func TestSweepOnce_IdleTimeoutHotReload(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	_, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	s := NewSweeper(h.m, SweeperConfig{})
	assert.Zero(t, s.SweepOnce(ctx).Idle, "idle reaping disabled")

	s.SetIdleTimeout(30 * time.Minute)
	assert.Equal(t, 1, s.SweepOnce(ctx).Idle)
}

func TestSweepOnce_DetectsCrash(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	_, err := h.m.StartSession(ctx, "alice")
	require.NoError(t, err)
	handle, ok := h.runner.HandleFor("alice")
	require.True(t, ok)
	h.runner.Crash(handle)

	res := NewSweeper(h.m, SweeperConfig{}).SweepOnce(ctx)
	assert.Equal(t, 1, res.Crashed)
	assert.Nil(t, h.record("alice"))
	assert.Zero(t, h.runner.Active())
}

func TestSweepOnce_RetiresStaleStart(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	handle, err := h.runner.Launch(ctx, ports.LaunchSpec{UserID: "alice"})
	require.NoError(t, err)
	// Left behind by an instance that died mid-launch.
	h.seed(t, "alice", model.StateStarting, string(handle))

	s := NewSweeper(h.m, SweeperConfig{})
	assert.Zero(t, s.SweepOnce(ctx).StaleStarts, "young STARTING records are left alone")

	h.clock.Advance(3 * h.m.cfg.LaunchTimeout)
	assert.Equal(t, 1, s.SweepOnce(ctx).StaleStarts)
	assert.Nil(t, h.record("alice"))
	assert.Zero(t, h.runner.Active())
}

func TestSweepOnce_SkipsStartDrivenLocally(t *testing.T) {
	h := newHarness(t, stub.Config{ReadyLatency: 300 * time.Millisecond}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.m.StartSession(ctx, "alice")
		done <- err
	}()
	h.waitState(t, "alice", model.StateStarting)
	h.clock.Advance(3 * h.m.cfg.LaunchTimeout)

	assert.Zero(t, NewSweeper(h.m, SweeperConfig{}).SweepOnce(ctx).StaleStarts)
	require.NoError(t, <-done)
}

func TestSweepOnce_FinishesOwnedTerminating(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	handle, err := h.runner.Launch(ctx, ports.LaunchSpec{UserID: "alice"})
	require.NoError(t, err)
	// Left behind by a restart mid-stop, or handed over by another instance.
	h.seed(t, "alice", model.StateTerminating, string(handle))

	res := NewSweeper(h.m, SweeperConfig{}).SweepOnce(ctx)
	assert.Equal(t, 1, res.Terminated)
	assert.Zero(t, res.StaleTerminating)
	assert.Nil(t, h.record("alice"))
	assert.Zero(t, h.runner.Active())
}

func TestSweepOnce_ForceRemovesForeignStaleTerminating(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	elsewhere := stub.New(stub.Config{})
	handle, err := elsewhere.Launch(ctx, ports.LaunchSpec{UserID: "alice"})
	require.NoError(t, err)
	rec := model.NewStarting("alice", h.clock.Now())
	rec.State = model.StateTerminating
	rec.Handle = string(handle)
	rec.Owner = "node-gone"
	_, _, err = h.store.InsertIfAbsent(ctx, rec)
	require.NoError(t, err)

	s := NewSweeper(h.m, SweeperConfig{Interval: 100 * time.Millisecond})
	assert.Zero(t, s.SweepOnce(ctx).StaleTerminating, "the owner gets time to finish")
	require.NotNil(t, h.record("alice"))

	h.clock.Advance(time.Second)
	res := s.SweepOnce(ctx)
	assert.Equal(t, 1, res.StaleTerminating)
	assert.Zero(t, res.Terminated)
	assert.Nil(t, h.record("alice"))
	assert.Equal(t, 1, elsewhere.Active(), "another instance's workload is never touched")
	assert.Zero(t, h.runner.Stops())
}

func TestSweepOnce_RemovesFailedLeftovers(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	h.seed(t, "alice", model.StateFailed, "")
	h.seed(t, "bob", model.StateFailed, "")

	assert.Equal(t, 2, NewSweeper(h.m, SweeperConfig{}).SweepOnce(ctx).Failed)
	list, err := h.m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSweepOnce_UpdatesActiveGauge(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		_, err := h.m.StartSession(ctx, u)
		require.NoError(t, err)
	}

	NewSweeper(h.m, SweeperConfig{}).SweepOnce(ctx)
	assert.Equal(t, 2.0, testutil.ToFloat64(sessionsActive.WithLabelValues(string(model.StateRunning))))
	assert.Equal(t, 0.0, testutil.ToFloat64(sessionsActive.WithLabelValues(string(model.StateStarting))))
}

func TestSweeper_RunAndSetInterval(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	_, err := h.m.StartSession(context.Background(), "alice")
	require.NoError(t, err)

	s := NewSweeper(h.m, SweeperConfig{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	handle, ok := h.runner.HandleFor("alice")
	require.True(t, ok)
	h.runner.Crash(handle)
	s.SetInterval(10 * time.Millisecond)

	require.Eventually(t, func() bool { return h.record("alice") == nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, s.config().Interval)
}

func TestSweeper_RunDisabledWithoutInterval(t *testing.T) {
	h := newHarness(t, stub.Config{}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewSweeper(h.m, SweeperConfig{}).Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately without an interval")
	}
}
