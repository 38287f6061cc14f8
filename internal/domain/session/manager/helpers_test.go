// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/domain/session/store"
	"github.com/ManuGH/simdesk/internal/workload/stub"
)

var demoCreds = model.Credentials{Username: "demo", Password: "demo"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m      *Manager
	store  store.StateStore
	runner *stub.Runner
	clock  *fakeClock
}

func newHarness(t *testing.T, rcfg stub.Config, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		runner: stub.New(rcfg),
		clock:  newFakeClock(),
	}
	cfg := Config{
		LaunchTimeout:     2 * time.Second,
		StopTimeout:       200 * time.Millisecond,
		HealthRetries:     2,
		LaunchConcurrency: 8,
		PollInterval:      10 * time.Millisecond,
		ReclaimAttempts:   3,
		ReclaimBackoff:    10 * time.Millisecond,
		Credentials:       demoCreds,
		Clock:             h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.m = New(h.store, h.runner, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, h.m.Close(ctx))
	})
	return h
}

// record returns the stored record or nil. The memory store never fails reads.
func (h *harness) record(userID string) *model.Session {
	rec, _ := h.m.load(context.Background(), userID)
	return rec
}

func (h *harness) waitState(t *testing.T, userID string, st model.State) *model.Session {
	t.Helper()
	var rec *model.Session
	require.Eventually(t, func() bool {
		rec = h.record(userID)
		return rec != nil && rec.State == st
	}, 5*time.Second, 5*time.Millisecond, "waiting for %s to reach %s", userID, st)
	return rec
}

// unavailableStore fails every read as a broken backend would.
type unavailableStore struct {
	store.StateStore
}

func (u unavailableStore) Get(ctx context.Context, userID string) (*model.Session, error) {
	return nil, fmt.Errorf("get: %w: connection refused", store.ErrUnavailable)
}

func (u unavailableStore) List(ctx context.Context) ([]*model.Session, error) {
	return nil, fmt.Errorf("list: %w: connection refused", store.ErrUnavailable)
}
