/*
 * Copyright 2025 Quarry Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package worker provides the generic consume loop every pipeline stage runs
// on: reserve a job, hand it to the stage handler on a bounded goroutine
// pool, then settle it. A nil handler error acks; any error nacks and lets
// the broker's retry policy take over.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/quarrylabs/quarry/queue"
)

const defaultPollInterval = 250 * time.Millisecond

// HandlerFunc processes one job. Returning nil acks the delivery; returning
// an error nacks it. Handlers must be idempotent: the broker is
// at-least-once.
type HandlerFunc func(ctx context.Context, job queue.Job) error

// Runner consumes one queue with a fixed concurrency.
type Runner struct {
	broker      queue.Broker
	queueName   string
	handler     HandlerFunc
	pool        *ants.Pool
	monitor     Monitor
	logger      *slog.Logger
	pollEvery   time.Duration
	inflight    sync.WaitGroup
	startOnce   sync.Once
	loopStopped chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMonitor attaches a job outcome monitor.
func WithMonitor(m Monitor) RunnerOption {
	return func(r *Runner) {
		if m != nil {
			r.monitor = m
		}
	}
}

// WithPollInterval sets how long the loop sleeps when the queue is empty.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.pollEvery = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner for one queue. Concurrency bounds how many jobs
// the stage processes at once.
func NewRunner(broker queue.Broker, queueName string, concurrency int, handler HandlerFunc, opts ...RunnerOption) (*Runner, error) {
	if broker == nil {
		return nil, errors.New("broker required")
	}
	if queueName == "" {
		return nil, errors.New("queue name required")
	}
	if handler == nil {
		return nil, errors.New("handler required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	pool, err := ants.NewPool(concurrency, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}

	r := &Runner{
		broker:      broker,
		queueName:   queueName,
		handler:     handler,
		pool:        pool,
		monitor:     NewLogMonitor(nil),
		logger:      slog.Default().With("queue", queueName),
		pollEvery:   defaultPollInterval,
		loopStopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start runs the consume loop until ctx is cancelled, then waits for
// in-flight jobs to finish. It blocks; run it on its own goroutine or under
// a Group.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		defer close(r.loopStopped)
		r.logger.Info("worker started", "concurrency", r.pool.Cap())

		for {
			if ctx.Err() != nil {
				break
			}

			d, err := r.broker.Reserve(ctx, r.queueName)
			if err != nil {
				if errors.Is(err, queue.ErrQueueEmpty) {
					r.sleep(ctx)
					continue
				}
				if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
					break
				}
				r.logger.Error("error reserving job", "err", err)
				r.sleep(ctx)
				continue
			}

			r.inflight.Add(1)
			delivery := d
			// Submit blocks when the pool is saturated, which is the
			// backpressure that keeps reservations bounded.
			if err := r.pool.Submit(func() {
				defer r.inflight.Done()
				r.process(delivery)
			}); err != nil {
				r.inflight.Done()
				r.logger.Error("error submitting job to pool", "err", err)
				if nackErr := r.broker.Nack(context.Background(), delivery, err); nackErr != nil {
					r.logger.Error("error returning job to queue", "err", nackErr)
				}
			}
		}

		r.inflight.Wait()
		r.logger.Info("worker stopped")
	})
}

// process runs the handler and settles the delivery. Settlement uses a
// background context so shutdown does not lose acks.
func (r *Runner) process(d *queue.Delivery) {
	r.monitor.JobStarted(r.queueName, d.Job.ID)
	start := time.Now()

	err := r.handler(context.Background(), d.Job)
	elapsed := time.Since(start)

	if err != nil {
		r.monitor.JobFailed(r.queueName, d.Job.ID, elapsed, err)
		if nackErr := r.broker.Nack(context.Background(), d, err); nackErr != nil {
			r.logger.Error("error nacking job", "job", d.Job.ID, "err", nackErr)
		}
		return
	}

	r.monitor.JobSucceeded(r.queueName, d.Job.ID, elapsed)
	if ackErr := r.broker.Ack(context.Background(), d); ackErr != nil {
		r.logger.Error("error acking job", "job", d.Job.ID, "err", ackErr)
	}
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.pollEvery):
	}
}

// Close releases the goroutine pool. Call after Start has returned.
func (r *Runner) Close() {
	r.pool.Release()
}

// Group runs a set of runners and coordinates their shutdown.
type Group struct {
	runners []*Runner
	wg      sync.WaitGroup
}

// Add registers a runner with the group.
func (g *Group) Add(r *Runner) {
	g.runners = append(g.runners, r)
}

// Start launches every runner on its own goroutine.
func (g *Group) Start(ctx context.Context) {
	for _, r := range g.runners {
		runner := r
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			runner.Start(ctx)
		}()
	}
}

// Wait blocks until every runner has drained, then releases their pools.
func (g *Group) Wait() {
	g.wg.Wait()
	for _, r := range g.runners {
		r.Close()
	}
}
