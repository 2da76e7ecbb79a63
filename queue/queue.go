// Package queue defines the durable, at-least-once job broker contract the
// pipeline workers are built on, plus its shared envelope and retry policy.
//
// Two implementations exist: queue/badgerq (embedded, single node) and
// queue/redisq (Redis Streams, multi node). Both deliver at least once, so
// every consumer must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds redelivery before a job is dead-lettered, for
// brokers not configured with their own bound.
const DefaultMaxAttempts = 5

var (
	// ErrQueueEmpty is returned by Reserve when no job is available.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrClosed is returned when the broker has been closed.
	ErrClosed = errors.New("broker closed")
)

// Job is the unit the queue substrate transports. Immutable once enqueued;
// Attempt is bookkeeping the broker maintains across redeliveries.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	TenantID    string          `json:"tenantId"`
	ShardID     string          `json:"shardId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// NewJob builds a job envelope with a fresh ID. The payload is marshalled to
// JSON; a nil payload is allowed. MaxAttempts is left zero so the broker
// fills in its configured retry bound on Enqueue; set it explicitly to
// override the bound for one job.
func NewJob(queueName, tenantID, shardID string, payload any) (Job, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Job{}, err
		}
		raw = data
	}
	return Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		TenantID:   tenantID,
		ShardID:    shardID,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Delivery is one received job plus the broker-specific receipt needed to
// settle it.
type Delivery struct {
	Job     Job
	Receipt string
}

// Broker is the job queue substrate: durable, at-least-once, FIFO-best-effort
// per queue.
type Broker interface {
	// Enqueue durably accepts a job and returns its ID.
	Enqueue(ctx context.Context, job Job) (string, error)

	// Reserve leases the next job on the named queue. Returns ErrQueueEmpty
	// when nothing is available. A reserved job becomes visible again after
	// the lease timeout unless settled.
	Reserve(ctx context.Context, queueName string) (*Delivery, error)

	// Ack settles a delivery as successfully processed.
	Ack(ctx context.Context, d *Delivery) error

	// Nack settles a delivery as failed. The broker schedules a redelivery
	// with backoff, or dead-letters the job once MaxAttempts is reached.
	Nack(ctx context.Context, d *Delivery, cause error) error

	// Depth reports the backlog (pending plus awaiting retry) of one queue.
	Depth(ctx context.Context, queueName string) (int, error)

	// Depths reports the backlog of every queue the broker serves.
	Depths(ctx context.Context) (map[string]int, error)

	// Ping reports whether the broker is reachable.
	Ping(ctx context.Context) error

	// Close stops background maintenance and releases resources.
	Close() error
}
