// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuGH/simdesk/internal/domain/session/lifecycle"
	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

var (
	sessionStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simdesk_session_starts_total",
			Help: "Total session start outcomes by result and reason class.",
		},
		[]string{"result", "reason_class"}, // result=launched/joined/existing/failure
	)

	sessionEndTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simdesk_session_end_total",
			Help: "Total number of ended sessions by reason.",
		},
		[]string{"reason"},
	)

	timeToRunning = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simdesk_time_to_running_seconds",
			Help:    "Time from start request to a healthy workload.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
	)

	sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simdesk_sessions_active",
			Help: "Stored sessions by state, refreshed by the reaper.",
		},
		[]string{"state"},
	)

	reclaimTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simdesk_reclaim_total",
			Help: "Background workload reclaim outcomes.",
		},
		[]string{"result"}, // success/exhausted/dropped/unknown
	)

	launchInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simdesk_launch_inflight",
			Help: "Launch flights currently in progress on this instance.",
		},
	)
)

func recordStart(result string, err error) {
	sessionStartsTotal.WithLabelValues(result, reasonClass(err)).Inc()
}

func recordEnd(reason model.ReasonCode) {
	sessionEndTotal.WithLabelValues(string(reason)).Inc()
}

func observeTimeToRunning(d time.Duration) {
	timeToRunning.Observe(d.Seconds())
}

func setActive(counts map[model.State]int) {
	for _, st := range []model.State{model.StateStarting, model.StateRunning, model.StateTerminating, model.StateFailed} {
		sessionsActive.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func reasonClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, lifecycle.ErrStoreUnavailable):
		return "store"
	case errors.Is(err, lifecycle.ErrSessionTerminating):
		return "terminating"
	case errors.Is(err, lifecycle.ErrLaunchFailed):
		return "launch"
	case errors.Is(err, ErrClosed):
		return "shutdown"
	default:
		return "other"
	}
}
