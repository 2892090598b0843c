// SPDX-License-Identifier: MIT
// Auditor - Protocol worker queue
//
// Every Generate, Verify and clear call runs on one dedicated goroutine.
// This serializes all pairing store mutations without per-record locks.
//
// Jobs are not cancellable once dequeued: a caller whose context ends stops
// waiting, but the job still runs to completion and its result is dropped.

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/octocorvus/Auditor/logging"
	"github.com/octocorvus/Auditor/metrics"
)

var ErrStopped = errors.New("worker queue stopped")

func init() {
	// makes UUID generation faster
	uuid.EnableRandPool()
}

type jobKeyID int

const jobIDCtxKey jobKeyID = iota

// returns the running job's id or "" outside a job
func JobID(ctx context.Context) string {
	if v, ok := ctx.Value(jobIDCtxKey).(string); ok {
		return v
	}
	return ""
}

type job struct {
	id   uuid.UUID
	name string
	fn   func(ctx context.Context) error
	done chan error

	// set when the submitter stopped waiting
	mu        sync.Mutex
	abandoned bool
}

func (j *job) abandon() {
	j.mu.Lock()
	j.abandoned = true
	j.mu.Unlock()
}

func (j *job) isAbandoned() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.abandoned
}

type Config struct {
	// buffered jobs before Do blocks on submission
	QueueSize int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Queue struct {
	jobs    chan *job
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	metrics *metrics.Metrics
	log     *slog.Logger
}

// starts the worker goroutine
func New(cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	q := &Queue{
		jobs:    make(chan *job, cfg.QueueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: cfg.Metrics,
		log:     logging.OrNop(cfg.Logger),
	}
	go q.loop()
	return q
}

// runs fn on the worker and waits for it or for ctx to end
func (q *Queue) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	j := &job{id: uuid.New(), name: name, fn: fn, done: make(chan error, 1)}

	select {
	case <-q.stop:
		return ErrStopped
	default:
	}

	select {
	case q.jobs <- j:
		q.depth(1)
	case <-q.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-q.stopped:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		j.abandon()
		q.log.Debug("caller stopped waiting for job", "job_id", j.id, "job", name)
		return ctx.Err()
	}
}

// runs fn on q and returns its value
func Run[T any](ctx context.Context, q *Queue, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := q.Do(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// finishes the running job, rejects queued ones and stops the worker
func (q *Queue) Stop() {
	q.once.Do(func() {
		close(q.stop)
		<-q.stopped
	})
}

func (q *Queue) loop() {
	defer close(q.stopped)
	for {
		select {
		case <-q.stop:
			q.drain()
			return
		case j := <-q.jobs:
			q.process(j)
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			q.depth(-1)
			j.done <- ErrStopped
		default:
			return
		}
	}
}

func (q *Queue) process(j *job) {
	ctx := context.WithValue(context.Background(), jobIDCtxKey, j.id.String())
	log := q.log.With("job_id", j.id, "job", j.name)

	start := time.Now()
	err := q.call(ctx, j)
	elapsed := time.Since(start)

	result := "finished"
	if err != nil {
		result = "failed"
	}
	if j.isAbandoned() {
		result = "abandoned"
	}
	log.Debug("job completed", "result", result, "duration", elapsed)

	if q.metrics != nil {
		q.metrics.JobsProcessed.WithLabelValues(j.name, result).Inc()
		q.metrics.JobDuration.WithLabelValues(j.name).Observe(elapsed.Seconds())
	}
	q.depth(-1)
	j.done <- err
}

func (q *Queue) call(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job panicked", "job_id", j.id, "job", j.name, "panic", r)
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return j.fn(ctx)
}

func (q *Queue) depth(delta float64) {
	if q.metrics != nil {
		q.metrics.QueueDepth.Add(delta)
	}
}
