// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/simdesk/internal/log"
	"github.com/ManuGH/simdesk/internal/metrics"
)

// groupPoll is how often TerminateGroup re-checks a group it cannot wait on.
const groupPoll = 25 * time.Millisecond

// Terminate stops a process group: SIGTERM, wait up to grace for exited to
// close, then SIGKILL and wait up to killWait more.
// exited must be closed by whoever reaps the process (cmd.Wait).
// Members that outlive the leader are killed once the leader is reaped.
// Returns ErrKillFailed if the process survives SIGKILL for killWait.
func Terminate(cmd *exec.Cmd, exited <-chan struct{}, grace, killWait time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid

	signal(pid, syscall.SIGTERM)

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-exited:
		metrics.IncProcWait("exit")
		killStragglers(pid)
		return nil
	case <-graceTimer.C:
	}

	log.L().Warn().Int(log.FieldPID, pid).Dur("grace", grace).
		Msg("SIGTERM grace period exceeded, sending SIGKILL to process group")
	signal(pid, syscall.SIGKILL)

	killTimer := time.NewTimer(killWait)
	defer killTimer.Stop()
	select {
	case <-exited:
		metrics.IncProcWait("forced_exit")
		return nil
	case <-killTimer.C:
		metrics.IncProcWait("timeout")
		return ErrKillFailed
	}
}

// TerminateGroup stops a process group this process did not spawn and so
// cannot reap. It polls for the group to empty instead of waiting on a child.
func TerminateGroup(pgid int, grace, killWait time.Duration) error {
	if !GroupAlive(pgid) {
		return nil
	}
	signal(pgid, syscall.SIGTERM)
	if waitGroupGone(pgid, grace) {
		metrics.IncProcWait("exit")
		return nil
	}

	log.L().Warn().Int(log.FieldPID, pgid).Dur("grace", grace).
		Msg("SIGTERM grace period exceeded, sending SIGKILL to adopted process group")
	signal(pgid, syscall.SIGKILL)
	if waitGroupGone(pgid, killWait) {
		metrics.IncProcWait("forced_exit")
		return nil
	}
	metrics.IncProcWait("timeout")
	return ErrKillFailed
}

// killStragglers SIGKILLs group members left behind by a leader that already exited.
// The leader is reaped, so nobody waits on them; init collects them.
func killStragglers(pgid int) {
	if !GroupAlive(pgid) {
		return
	}
	log.L().Debug().Int(log.FieldPID, pgid).Msg("process group outlived its leader, sending SIGKILL")
	signal(pgid, syscall.SIGKILL)
	metrics.IncProcWait("orphans_killed")
}

func waitGroupGone(pgid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !GroupAlive(pgid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(groupPoll)
	}
}

func signal(pgid int, sig syscall.Signal) {
	err := SignalGroup(pgid, sig)
	switch {
	case err == nil:
		metrics.IncProcTerminate(sig.String(), "sent")
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		metrics.IncProcTerminate(sig.String(), "esrch")
	default:
		metrics.IncProcTerminate(sig.String(), "error")
		log.L().Debug().Err(err).Int(log.FieldPID, pgid).Str("signal", sig.String()).Msg("signal delivery failed")
	}
}
