// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

var badgerPrefix = []byte("sess:")

// BadgerStore is an embedded key-value StateStore. Each operation runs in a
// single badger transaction; commit conflicts are retried.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens the store at path. An empty path keeps everything in memory.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return unavailable("ping", errors.New("badger: database closed"))
	}
	return nil
}

func badgerKey(userID string) []byte {
	return append(append([]byte{}, badgerPrefix...), userID...)
}

func readItem(txn *badger.Txn, key []byte) (*model.Session, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec model.Session
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// update runs fn in a read-write transaction, retrying commit conflicts.
func (s *BadgerStore) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, badger.ErrConflict):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrStateMismatch), errors.Is(err, errMutation):
			return err
		default:
			return unavailable(op, err)
		}
	}
	return unavailable(op, errors.New("contention retries exhausted"))
}

// errMutation tags caller errors returned from a MutateFunc so update passes them through.
var errMutation = errors.New("mutation rejected")

type mutationError struct{ err error }

func (e *mutationError) Error() string   { return e.err.Error() }
func (e *mutationError) Unwrap() []error { return []error{e.err, errMutation} }
func unwrapMutation(err error) error {
	var me *mutationError
	if errors.As(err, &me) {
		return me.err
	}
	return err
}

func (s *BadgerStore) InsertIfAbsent(ctx context.Context, rec *model.Session) (bool, *model.Session, error) {
	key := badgerKey(rec.UserID)
	buf, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}
	var existing *model.Session
	err = s.update(ctx, "insert", func(txn *badger.Txn) error {
		existing = nil
		cur, err := readItem(txn, key)
		if err == nil {
			existing = cur
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return txn.Set(key, buf)
	})
	if err != nil {
		return false, nil, err
	}
	return existing == nil, existing, nil
}

func (s *BadgerStore) Get(ctx context.Context, userID string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := readItem(txn, badgerKey(userID))
		out = rec
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return out, nil
}

func (s *BadgerStore) CompareAndSwap(ctx context.Context, userID string, expect model.State, fn MutateFunc) (*model.Session, error) {
	key := badgerKey(userID)
	var out *model.Session
	err := s.update(ctx, "cas", func(txn *badger.Txn) error {
		cur, err := readItem(txn, key)
		if err != nil {
			return err
		}
		if cur.State != expect {
			return ErrStateMismatch
		}
		next, err := applyMutation(cur, fn)
		if err != nil {
			return &mutationError{err: err}
		}
		buf, err := json.Marshal(next)
		if err != nil {
			return err
		}
		out = next
		return txn.Set(key, buf)
	})
	if err != nil {
		return nil, unwrapMutation(err)
	}
	return out, nil
}

func (s *BadgerStore) DeleteIf(ctx context.Context, userID string, expect model.State) (bool, error) {
	key := badgerKey(userID)
	deleted := false
	err := s.update(ctx, "delete_if", func(txn *badger.Txn) error {
		deleted = false
		cur, err := readItem(txn, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.State != expect {
			return nil
		}
		deleted = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *BadgerStore) Delete(ctx context.Context, userID string) error {
	return s.update(ctx, "delete", func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(userID))
	})
}

func (s *BadgerStore) ScanIdle(ctx context.Context, before time.Time) ([]*model.Session, error) {
	return s.scan(ctx, "scan_idle", func(r *model.Session) bool { return isIdle(r, before) })
}

func (s *BadgerStore) List(ctx context.Context) ([]*model.Session, error) {
	return s.scan(ctx, "list", nil)
}

func (s *BadgerStore) scan(ctx context.Context, op string, keep func(*model.Session) bool) ([]*model.Session, error) {
	var out []*model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(badgerPrefix); it.ValidForPrefix(badgerPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec model.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if keep == nil || keep(&rec) {
				out = append(out, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}
