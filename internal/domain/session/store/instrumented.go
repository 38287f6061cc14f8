// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simdesk_store_ops_total",
			Help: "Total session store operations",
		},
		[]string{"backend", "op", "result"}, // result=success/conflict/error
	)
	storeLat = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simdesk_store_op_seconds",
			Help:    "Session store operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

// instrumentedStore wraps any StateStore to capture metrics.
type instrumentedStore struct {
	inner   StateStore
	backend string
}

func NewInstrumentedStore(inner StateStore, backend string) StateStore {
	return &instrumentedStore{inner: inner, backend: backend}
}

func (i *instrumentedStore) observe(op string, start time.Time, err error) {
	res := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStateMismatch):
		res = "conflict"
	default:
		res = "error"
	}
	storeOps.WithLabelValues(i.backend, op, res).Inc()
	storeLat.WithLabelValues(i.backend, op).Observe(time.Since(start).Seconds())
}

func (i *instrumentedStore) InsertIfAbsent(ctx context.Context, rec *model.Session) (ok bool, existing *model.Session, err error) {
	start := time.Now()
	defer func() { i.observe("insert", start, err) }()
	return i.inner.InsertIfAbsent(ctx, rec)
}

func (i *instrumentedStore) Get(ctx context.Context, userID string) (rec *model.Session, err error) {
	start := time.Now()
	defer func() { i.observe("get", start, err) }()
	return i.inner.Get(ctx, userID)
}

func (i *instrumentedStore) CompareAndSwap(ctx context.Context, userID string, expect model.State, fn MutateFunc) (rec *model.Session, err error) {
	start := time.Now()
	defer func() { i.observe("cas", start, err) }()
	return i.inner.CompareAndSwap(ctx, userID, expect, fn)
}

func (i *instrumentedStore) DeleteIf(ctx context.Context, userID string, expect model.State) (ok bool, err error) {
	start := time.Now()
	defer func() { i.observe("delete_if", start, err) }()
	return i.inner.DeleteIf(ctx, userID, expect)
}

func (i *instrumentedStore) Delete(ctx context.Context, userID string) (err error) {
	start := time.Now()
	defer func() { i.observe("delete", start, err) }()
	return i.inner.Delete(ctx, userID)
}

func (i *instrumentedStore) ScanIdle(ctx context.Context, before time.Time) (list []*model.Session, err error) {
	start := time.Now()
	defer func() { i.observe("scan_idle", start, err) }()
	return i.inner.ScanIdle(ctx, before)
}

func (i *instrumentedStore) List(ctx context.Context) (list []*model.Session, err error) {
	start := time.Now()
	defer func() { i.observe("list", start, err) }()
	return i.inner.List(ctx)
}

func (i *instrumentedStore) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { i.observe("ping", start, err) }()
	return i.inner.Ping(ctx)
}

func (i *instrumentedStore) Close() error { return i.inner.Close() }
