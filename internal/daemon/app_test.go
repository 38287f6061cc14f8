// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/simdesk/internal/config"
	"github.com/ManuGH/simdesk/internal/log"
)

type fakeSweeper struct {
	mu       sync.Mutex
	idle     time.Duration
	interval time.Duration
	ran      chan struct{}
}

func (f *fakeSweeper) Run(ctx context.Context) {
	close(f.ran)
	<-ctx.Done()
}

func (f *fakeSweeper) SetIdleTimeout(d time.Duration) {
	f.mu.Lock()
	f.idle = d
	f.mu.Unlock()
}

func (f *fakeSweeper) SetInterval(d time.Duration) {
	f.mu.Lock()
	f.interval = d
	f.mu.Unlock()
}

func (f *fakeSweeper) snapshot() (time.Duration, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle, f.interval
}

func TestApp_RunRequiresManager(t *testing.T) {
	app := NewApp(log.WithComponent("test"), nil, nil, nil)
	assert.ErrorIs(t, app.Run(context.Background()), ErrMissingManager)
}

func TestApp_ReloadAppliesReaperSettings(t *testing.T) {
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prevLevel) })

	path := filepath.Join(t.TempDir(), "simdesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: memory\nrunner:\n  kind: stub\n"), 0o600))
	loader := config.NewLoader(path)
	initial, err := loader.Load()
	require.NoError(t, err)
	holder := config.NewHolder(initial, loader, path)

	mgr, err := NewManager(testServerConfig(), Deps{Logger: log.WithComponent("test"), APIHandler: okHandler()})
	require.NoError(t, err)
	sw := &fakeSweeper{ran: make(chan struct{})}
	app := NewApp(log.WithComponent("test"), mgr, holder, sw)
	app.reloadSignal = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	<-sw.ran

	require.NoError(t, os.WriteFile(path, []byte(
		"store:\n  backend: memory\nrunner:\n  kind: stub\nreaper:\n  interval: 5s\n  idleTimeout: 2m\nlog:\n  level: debug\n"), 0o600))
	require.NoError(t, holder.Reload(ctx))

	assert.Eventually(t, func() bool {
		idle, interval := sw.snapshot()
		return idle == 2*time.Minute && interval == 5*time.Second
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}
