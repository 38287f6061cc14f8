// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build linux

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/simdesk/internal/domain/session/ports"
)

// processGone treats zombies as gone; they only wait for their new parent to reap them.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	s := string(stat)
	i := strings.LastIndexByte(s, ')')
	return i > 0 && i+2 < len(s) && (s[i+2] == 'Z' || s[i+2] == 'X')
}

// A workload whose leader dies must not leave forked children running after Stop.
func TestRunner_StopKillsChildrenOfExitedLeader(t *testing.T) {
	ctx := context.Background()
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	r, err := New(Config{
		Instance:      "node-a",
		Command:       []string{"sh", "-c", "trap '' TERM; sleep 60 & echo $! > " + pidFile + "; exit 1"},
		CheckInterval: 20 * time.Millisecond,
		KillWait:      2 * time.Second,
	})
	require.NoError(t, err)

	h, err := r.Launch(ctx, ports.LaunchSpec{UserID: "alice"})
	require.NoError(t, err)

	var child int
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		child, err = strconv.Atoi(strings.TrimSpace(string(raw)))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = syscall.Kill(child, syscall.SIGKILL) })

	require.Eventually(t, func() bool {
		alive, err := r.IsAlive(ctx, h)
		return err == nil && !alive
	}, 5*time.Second, 20*time.Millisecond, "leader exit should be observed")
	require.False(t, processGone(child), "child should outlive the leader until stopped")

	require.NoError(t, r.Stop(ctx, h, time.Second))
	assert.Eventually(t, func() bool { return processGone(child) }, 3*time.Second, 20*time.Millisecond)
}
