// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/simdesk/internal/domain/session/model"
	"github.com/ManuGH/simdesk/internal/domain/session/ports"
	"github.com/ManuGH/simdesk/internal/log"
)

type reclaimJob struct {
	userID string
	handle ports.Handle
	reason model.ReasonCode
}

// reclaimer retries Stop for workloads whose synchronous stop timed out.
// Session records never wait for it; it only makes sure resources are freed.
type reclaimer struct {
	runner      ports.WorkloadRunner
	stopTimeout time.Duration
	attempts    int
	initial     time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan reclaimJob

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newReclaimer(runner ports.WorkloadRunner, cfg Config) *reclaimer {
	ctx, cancel := context.WithCancel(context.Background())
	r := &reclaimer{
		runner:      runner,
		stopTimeout: cfg.StopTimeout,
		attempts:    cfg.ReclaimAttempts,
		initial:     cfg.ReclaimBackoff,
		logger:      log.WithComponent("reclaimer"),
		queue:       make(chan reclaimJob, cfg.ReclaimQueue),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go r.run()
	return r
}

// enqueue hands a job to the worker without blocking. A full or closed queue
// drops the job with an error log.
func (r *reclaimer) enqueue(job reclaimJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		select {
		case r.queue <- job:
			return true
		default:
		}
	}
	reclaimTotal.WithLabelValues("dropped").Inc()
	r.logger.Error().
		Str(log.FieldUserID, job.userID).
		Str(log.FieldHandle, string(job.handle)).
		Bool("closed", r.closed).
		Msg("reclaim queue unavailable, workload may leak")
	return false
}

func (r *reclaimer) run() {
	defer close(r.done)
	for job := range r.queue {
		r.reclaimOne(job)
	}
}

func (r *reclaimer) reclaimOne(job reclaimJob) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = 30 * time.Second

	attempt := 0
	_, err := backoff.Retry(r.ctx, func() (struct{}, error) {
		attempt++
		sctx, cancel := context.WithTimeout(r.ctx, r.stopTimeout+stopSlack)
		defer cancel()
		err := r.runner.Stop(sctx, job.handle, r.stopTimeout)
		if errors.Is(err, ports.ErrUnknownHandle) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(r.attempts)))

	logger := r.logger.With().
		Str(log.FieldUserID, job.userID).
		Str(log.FieldHandle, string(job.handle)).
		Str(log.FieldReason, string(job.reason)).
		Int(log.FieldAttempt, attempt).
		Logger()
	if errors.Is(err, ports.ErrUnknownHandle) {
		reclaimTotal.WithLabelValues("unknown").Inc()
		logger.Warn().Err(err).Msg("runner does not know the workload, nothing to reclaim here")
		return
	}
	if err != nil {
		reclaimTotal.WithLabelValues("exhausted").Inc()
		logger.Error().Err(err).Str(log.FieldEvent, "session.reclaim_failed").Msg("giving up on workload reclaim")
		return
	}
	reclaimTotal.WithLabelValues("success").Inc()
	logger.Info().Str(log.FieldEvent, "session.reclaimed").Msg("workload reclaimed")
}

// close stops accepting jobs and waits for queued ones. When ctx ends first
// the remaining retries are cancelled.
func (r *reclaimer) close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	defer r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return fmt.Errorf("reclaimer drain: %w", ctx.Err())
	}
}
