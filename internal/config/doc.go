// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads simdeskd configuration.
//
// Precedence is ENV > YAML file > defaults. The YAML file is decoded strictly:
// unknown keys are an error. A Holder watches the file and publishes validated
// reloads to listeners; only the reaper settings apply without a restart.
package config
