// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncProcTerminate(t *testing.T) {
	before := testutil.ToFloat64(procTerminateTotal.WithLabelValues("SIGTERM", "sent"))
	IncProcTerminate("SIGTERM", "sent")
	assert.Equal(t, before+1, testutil.ToFloat64(procTerminateTotal.WithLabelValues("SIGTERM", "sent")))
}

func TestIncProcWait(t *testing.T) {
	before := testutil.ToFloat64(procWaitTotal.WithLabelValues("forced_error"))
	IncProcWait("forced_error")
	IncProcWait("forced_error")
	assert.Equal(t, before+2, testutil.ToFloat64(procWaitTotal.WithLabelValues("forced_error")))
}
