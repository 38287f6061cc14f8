// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"fmt"
	"time"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

// Apply mutates rec according to ev and returns the transition taken.
// The port is set only when entering RUNNING and cleared on every other edge,
// the handle is cleared on FAILED (the caller becomes responsible for stopping it).
func Apply(rec *model.Session, ev Event, now time.Time) (Transition, error) {
	tr, ok := TransitionFor(rec.State, ev.Kind)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.Kind, stateName(rec.State))
	}
	if tr.To == model.StateRunning && ev.Port <= 0 {
		return Transition{}, fmt.Errorf("%w: ready without port", ErrInvalidTransition)
	}

	rec.State = tr.To
	rec.Reason = tr.Reason
	if ev.Reason != "" {
		rec.Reason = ev.Reason
	}
	if tr.To == model.StateRunning {
		rec.Port = ev.Port
		rec.LastSeenAt = now
	} else {
		rec.Port = 0
	}
	if tr.To == model.StateFailed {
		rec.Handle = ""
	}
	rec.UpdatedAt = now
	return tr, nil
}

func stateName(s model.State) string {
	if s == model.StateAbsent {
		return "ABSENT"
	}
	return string(s)
}
