// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseHelpers(t *testing.T) {
	t.Setenv("T_STR", "value")
	t.Setenv("T_EMPTY", "")
	t.Setenv("T_INT", "42")
	t.Setenv("T_BADINT", "forty")
	t.Setenv("T_DUR", "90s")
	t.Setenv("T_BADDUR", "soon")
	t.Setenv("T_BOOL", "YES")
	t.Setenv("T_BADBOOL", "maybe")
	t.Setenv("T_FLOAT", "2.5")
	t.Setenv("T_LIST", "a, b,,c ")

	assert.Equal(t, "value", ParseString("T_STR", "d"))
	assert.Equal(t, "d", ParseString("T_EMPTY", "d"))
	assert.Equal(t, "d", ParseString("T_UNSET_SIMDESK", "d"))
	assert.Equal(t, 42, ParseInt("T_INT", 1))
	assert.Equal(t, 1, ParseInt("T_BADINT", 1))
	assert.Equal(t, 90*time.Second, ParseDuration("T_DUR", time.Second))
	assert.Equal(t, time.Second, ParseDuration("T_BADDUR", time.Second))
	assert.True(t, ParseBool("T_BOOL", false))
	assert.True(t, ParseBool("T_BADBOOL", true))
	assert.InDelta(t, 2.5, ParseFloat("T_FLOAT", 0), 1e-9)
	assert.Equal(t, []string{"a", "b", "c"}, ParseStringSlice("T_LIST", nil))
	assert.Equal(t, []string{"x"}, ParseStringSlice("T_EMPTY", []string{"x"}))
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, isSensitive("SIMDESK_REDIS_PASSWORD"))
	assert.True(t, isSensitive("API_TOKEN"))
	assert.False(t, isSensitive("SIMDESK_REDIS_ADDR"))
}
