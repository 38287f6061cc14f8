// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procgroup spawns workloads as process-group leaders so a single
// signal reaches the whole tree the workload may have forked.
package procgroup

import "errors"

var (
	ErrKillFailed = errors.New("kill operation failed")
)
