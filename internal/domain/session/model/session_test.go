// Copyright (c) 2026 ManuGH

package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe_CredentialsOnlyWhileRunning(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	creds := Credentials{Username: "demo", Password: "demo"}

	tests := []struct {
		name      string
		state     State
		port      int
		wantPort  int
		wantCreds bool
	}{
		{name: "starting has no port", state: StateStarting},
		{name: "running exposes port and creds", state: StateRunning, port: 5901, wantPort: 5901, wantCreds: true},
		{name: "terminating hides port", state: StateTerminating},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{UserID: "u", State: tt.state, Port: tt.port, CreatedAt: now, LastSeenAt: now}
			d := Describe(s, creds)
			require.NotNil(t, d)
			assert.Equal(t, tt.state, d.State)
			assert.Equal(t, tt.wantPort, d.Port)
			if tt.wantCreds {
				require.NotNil(t, d.Credentials)
				assert.Equal(t, creds, *d.Credentials)
			} else {
				assert.Nil(t, d.Credentials)
			}
		})
	}

	assert.Nil(t, Describe(nil, creds))
}

func TestValidUserID(t *testing.T) {
	assert.True(t, ValidUserID("auth0|65a1b2c3"))
	assert.True(t, ValidUserID("alice@example.com"))
	assert.False(t, ValidUserID(""))
	assert.False(t, ValidUserID("has space"))
	assert.False(t, ValidUserID("tab\there"))
	assert.False(t, ValidUserID(strings.Repeat("a", MaxUserIDLen+1)))
	assert.False(t, ValidUserID(string([]byte{0xff, 0xfe})))
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateStarting.OwnsWorkload())
	assert.True(t, StateTerminating.OwnsWorkload())
	assert.False(t, StateFailed.OwnsWorkload())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateAbsent.Valid())
	assert.True(t, StateRunning.IsActive())
	assert.False(t, StateTerminating.IsActive())
}

func TestClone_DoesNotAlias(t *testing.T) {
	s := NewStarting("u", time.Now())
	cp := s.Clone()
	cp.State = StateRunning
	assert.Equal(t, StateStarting, s.State)
	assert.Nil(t, (*Session)(nil).Clone())
}
