// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/persistence/sqlite"
)

const (
	schemaVersion = 2

	// casAttempts bounds optimistic retries when concurrent writers bump the row version.
	casAttempts = 8
)

const sessionColumns = `user_id, state, handle, port, reason, attempt, created_at_ms, updated_at_ms, last_seen_at_ms, owner, version`

// SqliteStore implements StateStore using SQLite.
// Conditional writes use a per-row version column so no transaction ever
// needs to upgrade a read lock.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (or creates) the database at dbPath and migrates it.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if currentVersion < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			user_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			handle TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			last_seen_at_ms INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state_seen ON sessions(state, last_seen_at_ms);
		`
		if _, err := tx.Exec(schema); err != nil {
			return err
		}
	}
	if currentVersion < 2 {
		// v2: records remember which instance launched their workload.
		if _, err := tx.Exec(`ALTER TABLE sessions ADD COLUMN owner TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SqliteStore) InsertIfAbsent(ctx context.Context, rec *model.Session) (bool, *model.Session, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		res, err := s.DB.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(user_id) DO NOTHING`,
			rec.UserID, string(rec.State), rec.Handle, rec.Port, string(rec.Reason), rec.Attempt,
			rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), rec.LastSeenAt.UnixMilli(), rec.Owner,
		)
		if err != nil {
			return false, nil, unavailable("insert", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return true, nil, nil
		}

		cur, _, err := s.load(ctx, rec.UserID)
		if errors.Is(err, ErrNotFound) {
			// Deleted between the conflict and the read; try again.
			continue
		}
		if err != nil {
			return false, nil, err
		}
		return false, cur, nil
	}
	return false, nil, unavailable("insert", errors.New("contention retries exhausted"))
}

func (s *SqliteStore) Get(ctx context.Context, userID string) (*model.Session, error) {
	rec, _, err := s.load(ctx, userID)
	return rec, err
}

func (s *SqliteStore) load(ctx context.Context, userID string) (*model.Session, int64, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID)
	rec, version, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, unavailable("get", err)
	}
	return rec, version, nil
}

func (s *SqliteStore) CompareAndSwap(ctx context.Context, userID string, expect model.State, fn MutateFunc) (*model.Session, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, version, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		if cur.State != expect {
			return nil, ErrStateMismatch
		}
		next, err := applyMutation(cur, fn)
		if err != nil {
			return nil, err
		}

		res, err := s.DB.ExecContext(ctx, `
			UPDATE sessions SET
				state = ?, handle = ?, port = ?, reason = ?, attempt = ?,
				created_at_ms = ?, updated_at_ms = ?, last_seen_at_ms = ?, owner = ?,
				version = version + 1
			WHERE user_id = ? AND state = ? AND version = ?`,
			string(next.State), next.Handle, next.Port, string(next.Reason), next.Attempt,
			next.CreatedAt.UnixMilli(), next.UpdatedAt.UnixMilli(), next.LastSeenAt.UnixMilli(), next.Owner,
			userID, string(expect), version,
		)
		if err != nil {
			return nil, unavailable("cas", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, nil
		}
		// Lost the race; re-read and re-evaluate the guard.
	}
	return nil, unavailable("cas", errors.New("contention retries exhausted"))
}

func (s *SqliteStore) DeleteIf(ctx context.Context, userID string, expect model.State) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ? AND state = ?`, userID, string(expect))
	if err != nil {
		return false, unavailable("delete_if", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("delete_if", err)
	}
	return n == 1, nil
}

func (s *SqliteStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *SqliteStore) ScanIdle(ctx context.Context, before time.Time) ([]*model.Session, error) {
	return s.query(ctx, "scan_idle",
		`SELECT `+sessionColumns+` FROM sessions WHERE state = ? AND last_seen_at_ms < ? ORDER BY user_id`,
		string(model.StateRunning), before.UnixMilli())
}

func (s *SqliteStore) List(ctx context.Context) ([]*model.Session, error) {
	return s.query(ctx, "list", `SELECT `+sessionColumns+` FROM sessions ORDER BY user_id`)
}

func (s *SqliteStore) query(ctx context.Context, op, q string, args ...any) ([]*model.Session, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Session
	for rows.Next() {
		rec, _, err := scanSession(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, int64, error) {
	var (
		rec                        model.Session
		state, reason              string
		createdMs, updatedMs, lsMs int64
		version                    int64
	)
	if err := row.Scan(&rec.UserID, &state, &rec.Handle, &rec.Port, &reason, &rec.Attempt,
		&createdMs, &updatedMs, &lsMs, &rec.Owner, &version); err != nil {
		return nil, 0, err
	}
	rec.State = model.State(state)
	rec.Reason = model.ReasonCode(reason)
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	rec.LastSeenAt = time.UnixMilli(lsMs).UTC()
	return &rec, version, nil
}

// unavailable classifies a backend failure. Context errors pass through so
// callers can tell their own cancellation from a broken store.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
