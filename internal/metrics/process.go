// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics holds process-level collectors shared by packages that
// cannot import the session manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simdesk_proc_terminate_total",
		Help: "Signals sent to workload process groups",
	}, []string{"signal", "result"}) // result=sent/esrch/error

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simdesk_proc_wait_total",
		Help: "Outcomes of waiting for a terminated workload process",
	}, []string{"result"}) // exit0/exit_nonzero/forced_exit0/forced_error/timeout
)

// IncProcTerminate counts a termination signal delivery attempt.
func IncProcTerminate(signal, result string) {
	procTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncProcWait counts how a terminated process was reaped.
func IncProcWait(result string) {
	procWaitTotal.WithLabelValues(result).Inc()
}
