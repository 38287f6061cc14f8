// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build linux

package procgroup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startReaped starts cmd and returns a channel closed once it has been reaped.
func startReaped(t *testing.T, cmd *exec.Cmd) <-chan struct{} {
	t.Helper()
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	return exited
}

func TestSetMakesGroupLeader(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 10 & sleep 10")
	Set(cmd)
	exited := startReaped(t, cmd)

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, pgid, "process should be group leader")

	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("group leader should have been killed")
	}
}

func TestTerminate_GracefulExit(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	Set(cmd)
	exited := startReaped(t, cmd)

	start := time.Now()
	require.NoError(t, Terminate(cmd, exited, 2*time.Second, time.Second))
	assert.Less(t, time.Since(start), 2*time.Second, "SIGTERM alone should stop sleep")
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	cmd := exec.Command("sh", "-c", "trap '' TERM; while true; do sleep 0.05; done")
	Set(cmd)
	exited := startReaped(t, cmd)
	time.Sleep(100 * time.Millisecond) // let the trap install

	require.NoError(t, Terminate(cmd, exited, 200*time.Millisecond, 2*time.Second))
	select {
	case <-exited:
	default:
		t.Fatal("process should have been reaped")
	}
}

func TestKill_NilAndExited(t *testing.T) {
	require.NoError(t, Kill(nil, syscall.SIGTERM))
	require.NoError(t, Terminate(nil, nil, time.Millisecond, time.Millisecond))

	cmd := exec.Command("true")
	Set(cmd)
	exited := startReaped(t, cmd)
	<-exited
	assert.NoError(t, Kill(cmd, syscall.SIGTERM))
}

// processGone treats zombies as gone: they hold no resources and are only
// waiting for whichever ancestor adopted them to reap.
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

func readPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(raw)))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return pid
}

func TestKill_ReachesGroupAfterLeaderReaped(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	cmd := exec.Command("sh", "-c", "sleep 60 & echo $! > "+pidFile+"; exit 1")
	Set(cmd)
	exited := startReaped(t, cmd)
	child := readPID(t, pidFile)
	<-exited
	t.Cleanup(func() { _ = syscall.Kill(child, syscall.SIGKILL) })

	require.True(t, GroupAlive(cmd.Process.Pid), "orphaned member keeps the group alive")
	require.NoError(t, Kill(cmd, syscall.SIGKILL))
	assert.Eventually(t, func() bool { return processGone(child) }, 2*time.Second, 10*time.Millisecond)
}

func TestTerminate_KillsMembersThatIgnoreTERM(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 60 & echo $! > "+pidFile+"; exit 1")
	Set(cmd)
	exited := startReaped(t, cmd)
	child := readPID(t, pidFile)
	<-exited
	t.Cleanup(func() { _ = syscall.Kill(child, syscall.SIGKILL) })

	require.NoError(t, Terminate(cmd, exited, time.Second, time.Second))
	assert.Eventually(t, func() bool { return processGone(child) }, 2*time.Second, 10*time.Millisecond)
}

func TestTerminateGroup_Adopted(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	Set(cmd)
	startReaped(t, cmd)
	pgid := cmd.Process.Pid

	require.True(t, GroupAlive(pgid))
	require.NoError(t, TerminateGroup(pgid, 2*time.Second, time.Second))
	assert.False(t, GroupAlive(pgid))

	// A group that is already gone is not an error.
	require.NoError(t, TerminateGroup(pgid, time.Millisecond, time.Millisecond))
	assert.False(t, GroupAlive(0))
}
