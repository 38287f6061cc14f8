// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build !unix

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Set is a no-op where process groups are unavailable.
func Set(cmd *exec.Cmd) {}

// Kill only reaches the root process on this platform.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return signalProcess(cmd.Process, sig)
}

// SignalGroup only reaches the process whose pid equals pgid.
func SignalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pgid)
	if err != nil {
		return nil
	}
	return signalProcess(p, sig)
}

// GroupAlive cannot inspect foreign processes here and always reports false.
func GroupAlive(pgid int) bool { return false }

func signalProcess(p *os.Process, sig syscall.Signal) error {
	var err error
	if sig == syscall.SIGKILL {
		err = p.Kill()
	} else {
		err = p.Signal(os.Interrupt)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
