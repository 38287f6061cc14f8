// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

const redisKeyPrefix = "simdesk:session:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// RedisStore keeps one JSON document per user. Conditional writes use
// WATCH/MULTI so the guard and the write commit atomically.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(userID string) string { return redisKeyPrefix + userID }

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) InsertIfAbsent(ctx context.Context, rec *model.Session) (bool, *model.Session, error) {
	buf, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		ok, err := s.client.SetNX(ctx, redisKey(rec.UserID), buf, 0).Result()
		if err != nil {
			return false, nil, unavailable("insert", err)
		}
		if ok {
			return true, nil, nil
		}
		cur, err := s.Get(ctx, rec.UserID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return false, nil, err
		}
		return false, cur, nil
	}
	return false, nil, unavailable("insert", errors.New("contention retries exhausted"))
}

func (s *RedisStore) Get(ctx context.Context, userID string) (*model.Session, error) {
	return s.read(ctx, s.client, userID)
}

// redisGetter is satisfied by both *redis.Client and *redis.Tx.
type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c redisGetter, userID string) (*model.Session, error) {
	val, err := c.Get(ctx, redisKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	var rec model.Session
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, unavailable("get", err)
	}
	return &rec, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, userID string, expect model.State, fn MutateFunc) (*model.Session, error) {
	key := redisKey(userID)
	var out *model.Session
	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, userID)
		if err != nil {
			return err
		}
		if cur.State != expect {
			return ErrStateMismatch
		}
		next, err := applyMutation(cur, fn)
		if err != nil {
			return err
		}
		buf, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			return nil
		})
		if err != nil {
			return execErr("cas", err)
		}
		out = next
		return nil
	}

	if err := s.watch(ctx, "cas", txf, key); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) DeleteIf(ctx context.Context, userID string, expect model.State) (bool, error) {
	key := redisKey(userID)
	deleted := false
	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, userID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.State != expect {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return execErr("delete_if", err)
		}
		deleted = true
		return nil
	}

	if err := s.watch(ctx, "delete_if", txf, key); err != nil {
		return false, err
	}
	return deleted, nil
}

// watch runs txf under WATCH and retries when another client touched the key.
// Errors produced by txf are already classified and pass through unchanged.
func (s *RedisStore) watch(ctx context.Context, op string, txf func(*redis.Tx) error, key string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var inner error
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			inner = txf(tx)
			return inner
		}, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case inner != nil && err == inner:
			return err
		default:
			return unavailable(op, err)
		}
	}
	return unavailable(op, errors.New("contention retries exhausted"))
}

func execErr(op string, err error) error {
	if err == nil || errors.Is(err, redis.TxFailedErr) {
		return err
	}
	return unavailable(op, err)
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *RedisStore) ScanIdle(ctx context.Context, before time.Time) ([]*model.Session, error) {
	return s.scan(ctx, "scan_idle", func(r *model.Session) bool { return isIdle(r, before) })
}

func (s *RedisStore) List(ctx context.Context) ([]*model.Session, error) {
	return s.scan(ctx, "list", nil)
}

func (s *RedisStore) scan(ctx context.Context, op string, keep func(*model.Session) bool) ([]*model.Session, error) {
	var out []*model.Session
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		userID := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		rec, err := s.Get(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
