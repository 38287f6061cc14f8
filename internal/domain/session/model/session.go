// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import (
	"time"
	"unicode"
	"unicode/utf8"
)

// MaxUserIDLen bounds identities accepted from the trusted identity header.
const MaxUserIDLen = 128

// Session is the store's source of truth for one user's backing workload.
type Session struct {
	UserID     string     `json:"userId"`
	State      State      `json:"state"`
	Handle     string     `json:"handle,omitempty"`
	Port       int        `json:"port,omitempty"`
	Reason     ReasonCode `json:"reason,omitempty"`
	Attempt    int        `json:"attempt"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastSeenAt time.Time  `json:"lastSeenAt"`
	// Owner names the instance that launched the workload. Only the owner
	// may check or stop it; other instances sharing the store leave it alone.
	Owner string `json:"owner,omitempty"`
}

// Clone returns a copy that does not alias s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// NewStarting builds the record inserted by a start request.
func NewStarting(userID string, now time.Time) *Session {
	return &Session{
		UserID:     userID,
		State:      StateStarting,
		Reason:     RNone,
		Attempt:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeenAt: now,
	}
}

// Credentials is the fixed, non-secret demo login presented to the user.
// It is identical for every session.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Descriptor is the caller-facing view of a session.
type Descriptor struct {
	State       State        `json:"state"`
	Port        int          `json:"port,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
	CreatedAt   *time.Time   `json:"createdAt,omitempty"`
	LastSeenAt  *time.Time   `json:"lastSeenAt,omitempty"`
}

// Describe projects s into a Descriptor. Credentials are only attached while running.
func Describe(s *Session, creds Credentials) *Descriptor {
	if s == nil {
		return nil
	}
	created, seen := s.CreatedAt, s.LastSeenAt
	d := &Descriptor{
		State:      s.State,
		CreatedAt:  &created,
		LastSeenAt: &seen,
	}
	if s.State == StateRunning {
		d.Port = s.Port
		c := creds
		d.Credentials = &c
	}
	return d
}

// ValidUserID returns true if id is usable as a store key.
func ValidUserID(id string) bool {
	if id == "" || len(id) > MaxUserIDLen || !utf8.ValidString(id) {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
