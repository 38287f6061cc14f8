// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"errors"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

var (
	ErrLaunchFailed       = errors.New("launch failed")
	ErrStopTimeout        = errors.New("stop timeout")
	ErrStoreUnavailable   = errors.New("session store unavailable")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionTerminating = errors.New("session is terminating")
	ErrInvalidTransition  = errors.New("invalid lifecycle transition")
	ErrBadRequest         = errors.New("bad request")
)

// ReasonErrorClass maps a terminal reason onto the error returned to callers.
func ReasonErrorClass(reason model.ReasonCode) error {
	switch reason {
	case model.RLaunchFailed, model.RHealthTimeout, model.RStaleStart:
		return ErrLaunchFailed
	case model.RStopTimeout:
		return ErrStopTimeout
	case model.RNone, model.RClientStop, model.RIdleTimeout, model.RShutdown:
		return nil
	default:
		return ErrLaunchFailed
	}
}
