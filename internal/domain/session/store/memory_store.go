// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

const memoryShards = 64

// MemoryStore is an in-process StateStore. Records are spread over shards keyed
// by user id so operations on different users rarely contend.
// Not durable; state is lost on restart.
type MemoryStore struct {
	shards [memoryShards]memoryShard
}

type memoryShard struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.shards {
		m.shards[i].sessions = make(map[string]*model.Session)
	}
	return m
}

func (m *MemoryStore) shard(userID string) *memoryShard {
	return &m.shards[xxhash.Sum64String(userID)%memoryShards]
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) InsertIfAbsent(ctx context.Context, rec *model.Session) (bool, *model.Session, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	sh := m.shard(rec.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.sessions[rec.UserID]; ok {
		return false, cur.Clone(), nil
	}
	sh.sessions[rec.UserID] = rec.Clone()
	return true, nil, nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := m.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur, ok := sh.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cur.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, userID string, expect model.State, fn MutateFunc) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := m.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.State != expect {
		return nil, ErrStateMismatch
	}
	next, err := applyMutation(cur, fn)
	if err != nil {
		return nil, err
	}
	sh.sessions[userID] = next
	return next.Clone(), nil
}

func (m *MemoryStore) DeleteIf(ctx context.Context, userID string, expect model.State) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sh := m.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.sessions[userID]
	if !ok || cur.State != expect {
		return false, nil
	}
	delete(sh.sessions, userID)
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := m.shard(userID)
	sh.mu.Lock()
	delete(sh.sessions, userID)
	sh.mu.Unlock()
	return nil
}

func (m *MemoryStore) ScanIdle(ctx context.Context, before time.Time) ([]*model.Session, error) {
	return m.collect(ctx, func(s *model.Session) bool { return isIdle(s, before) })
}

func (m *MemoryStore) List(ctx context.Context) ([]*model.Session, error) {
	return m.collect(ctx, nil)
}

func (m *MemoryStore) collect(ctx context.Context, keep func(*model.Session) bool) ([]*model.Session, error) {
	var out []*model.Session
	for i := range m.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sh := &m.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if keep == nil || keep(s) {
				out = append(out, s.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
