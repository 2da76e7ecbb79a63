// Package redisq implements the queue.Broker contract on Redis Streams, for
// deployments where workers run on more than one node. Each queue is one
// stream consumed through a consumer group; retries wait in a sorted set
// scored by due time, and exhausted jobs land on a dead-letter stream.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quarrylabs/quarry/queue"
)

const (
	groupName = "workers"

	defaultLeaseTimeout  = 2 * time.Minute
	defaultRetryBase     = 2 * time.Second
	defaultJanitorPeriod = time.Second
)

// Broker is a Redis Streams job broker.
type Broker struct {
	rdb      *redis.Client
	queues   []string
	consumer string
	logger   *slog.Logger

	leaseTimeout  time.Duration
	retryBase     time.Duration
	janitorPeriod time.Duration
	maxAttempts   int

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

var _ queue.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker)

// WithLeaseTimeout sets how long a delivered-but-unsettled job stays with
// its consumer before it is claimed back.
func WithLeaseTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.leaseTimeout = d
		}
	}
}

// WithRetryBase sets the base interval for exponential redelivery backoff.
func WithRetryBase(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.retryBase = d
		}
	}
}

// WithJanitorPeriod sets how often the retry set is swept.
func WithJanitorPeriod(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.janitorPeriod = d
		}
	}
}

// WithMaxAttempts sets the retry bound stamped onto enqueued jobs that do
// not carry their own.
func WithMaxAttempts(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a broker serving the named queues, ensuring the consumer group
// exists on every stream.
func New(ctx context.Context, rdb *redis.Client, queues []string, opts ...Option) (*Broker, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	if len(queues) == 0 {
		return nil, errors.New("at least one queue required")
	}

	b := &Broker{
		rdb:           rdb,
		queues:        append([]string(nil), queues...),
		consumer:      "worker-" + uuid.NewString(),
		logger:        slog.Default().With("component", "redisq"),
		leaseTimeout:  defaultLeaseTimeout,
		retryBase:     defaultRetryBase,
		janitorPeriod: defaultJanitorPeriod,
		maxAttempts:   queue.DefaultMaxAttempts,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, q := range b.queues {
		err := rdb.XGroupCreateMkStream(ctx, streamKey(q), groupName, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("creating group for queue %s: %w", q, err)
		}
	}

	go b.janitor()
	return b, nil
}

func streamKey(queueName string) string {
	return "quarry:" + queueName
}

func retryKey(queueName string) string {
	return "quarry:" + queueName + ":retry"
}

func deadKey(queueName string) string {
	return "quarry:" + queueName + ":dead"
}

// Enqueue appends the job to the queue's stream.
func (b *Broker) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	if job.Queue == "" {
		return "", errors.New("queue name required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = b.maxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	value, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(job.Queue),
		Values: map[string]any{"job": string(value)},
	}).Err()
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Reserve delivers the next job: first any entry whose lease expired, then a
// fresh one from the stream.
func (b *Broker) Reserve(ctx context.Context, queueName string) (*queue.Delivery, error) {
	if d, ok, err := b.claimExpired(ctx, queueName); err != nil {
		return nil, err
	} else if ok {
		return d, nil
	}

	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: b.consumer,
		Streams:  []string{streamKey(queueName), ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, queue.ErrQueueEmpty
		}
		return nil, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return b.decode(ctx, queueName, msg)
		}
	}
	return nil, queue.ErrQueueEmpty
}

// claimExpired takes over a message another consumer held past the lease
// timeout.
func (b *Broker) claimExpired(ctx context.Context, queueName string) (*queue.Delivery, bool, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(queueName),
		Group:    groupName,
		Consumer: b.consumer,
		MinIdle:  b.leaseTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(msgs) == 0 {
		return nil, false, nil
	}
	d, err := b.decode(ctx, queueName, msgs[0])
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (b *Broker) decode(ctx context.Context, queueName string, msg redis.XMessage) (*queue.Delivery, error) {
	raw, _ := msg.Values["job"].(string)

	var job queue.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Undecodable entry; settle it so the stream does not wedge.
		b.logger.Error("dropping undecodable job", "stream", streamKey(queueName), "id", msg.ID, "err", err)
		b.settle(ctx, queueName, msg.ID)
		return nil, queue.ErrQueueEmpty
	}
	return &queue.Delivery{Job: job, Receipt: msg.ID}, nil
}

// Ack settles a delivery and removes the entry from the stream.
func (b *Broker) Ack(ctx context.Context, d *queue.Delivery) error {
	return b.settle(ctx, d.Job.Queue, d.Receipt)
}

func (b *Broker) settle(ctx context.Context, queueName, id string) error {
	stream := streamKey(queueName)
	pipe := b.rdb.Pipeline()
	pipe.XAck(ctx, stream, groupName, id)
	pipe.XDel(ctx, stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Nack settles the delivery and schedules a redelivery with backoff, or
// dead-letters the job once its attempts are exhausted.
func (b *Broker) Nack(ctx context.Context, d *queue.Delivery, cause error) error {
	job := d.Job
	job.Attempt++

	value, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if err := b.settle(ctx, job.Queue, d.Receipt); err != nil {
		return err
	}

	if job.Attempt >= job.MaxAttempts {
		b.logger.Warn("job exhausted attempts, dead-lettering",
			"queue", job.Queue, "job", job.ID, "attempts", job.Attempt, "cause", cause)
		return b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: deadKey(job.Queue),
			Values: map[string]any{"job": string(value)},
		}).Err()
	}

	due := time.Now().UTC().Add(queue.RetryDelay(b.retryBase, job.Attempt))
	return b.rdb.ZAdd(ctx, retryKey(job.Queue), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(value),
	}).Err()
}

// Depth reports the backlog of one queue: stream entries (pending plus
// in-flight) plus jobs awaiting retry.
func (b *Broker) Depth(ctx context.Context, queueName string) (int, error) {
	pipe := b.rdb.Pipeline()
	lenCmd := pipe.XLen(ctx, streamKey(queueName))
	retryCmd := pipe.ZCard(ctx, retryKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return int(lenCmd.Val() + retryCmd.Val()), nil
}

// Depths reports the backlog of every served queue.
func (b *Broker) Depths(ctx context.Context) (map[string]int, error) {
	depths := make(map[string]int, len(b.queues))
	for _, q := range b.queues {
		depth, err := b.Depth(ctx, q)
		if err != nil {
			return nil, err
		}
		depths[q] = depth
	}
	return depths, nil
}

// Ping verifies the Redis connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close stops the janitor. The Redis client is closed by its owner.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
	return nil
}

// janitor moves due retries back onto their streams.
func (b *Broker) janitor() {
	defer close(b.done)
	ticker := time.NewTicker(b.janitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for _, q := range b.queues {
				if err := b.releaseDueRetries(ctx, q); err != nil {
					b.logger.Error("error releasing retries", "queue", q, "err", err)
				}
			}
			cancel()
		}
	}
}

func (b *Broker) releaseDueRetries(ctx context.Context, queueName string) error {
	now := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	members, err := b.rdb.ZRangeByScore(ctx, retryKey(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		// Remove first so a concurrent janitor on another node cannot
		// release the same member twice.
		removed, err := b.rdb.ZRem(ctx, retryKey(queueName), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		err = b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(queueName),
			Values: map[string]any{"job": member},
		}).Err()
		if err != nil {
			return err
		}
	}
	return nil
}
