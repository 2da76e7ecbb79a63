// Package badgerq implements the queue.Broker contract on an embedded
// BadgerDB, for single-node deployments and tests. Jobs move between four
// key ranges (pending, leased, retry, dead); a background janitor releases
// due retries and reclaims expired leases, which is what makes delivery
// at-least-once across crashes.
package badgerq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/storage/badger"
)

const (
	defaultLeaseTimeout  = 2 * time.Minute
	defaultRetryBase     = 2 * time.Second
	defaultJanitorPeriod = 500 * time.Millisecond

	// reserveConflictRetries bounds retry of the reserve transaction when
	// concurrent reservers collide on the head-of-queue key.
	reserveConflictRetries = 8
)

// leaseRecord is the stored form of a leased job.
type leaseRecord struct {
	Job       queue.Job `json:"job"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Broker is a durable embedded job broker.
type Broker struct {
	backend *badger.Backend
	queues  []string
	seq     *badgerdb.Sequence
	logger  *slog.Logger

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

// WithLeaseTimeout sets how long a reserved job stays invisible before the
// janitor returns it to pending.
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

// WithJanitorPeriod sets how often due retries and expired leases are swept.
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

// New creates a broker on the shared badger backend, serving the named
// queues. The queue list bounds what Depths reports and what the janitor
// sweeps.
func New(backend *badger.Backend, queues []string, opts ...Option) (*Broker, error) {
	if backend == nil {
		return nil, errors.New("backend required")
	}
	if len(queues) == 0 {
		return nil, errors.New("at least one queue required")
	}

	seq, err := backend.GetSequence(sequenceName)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		backend:       backend,
		queues:        append([]string(nil), queues...),
		seq:           seq,
		logger:        slog.Default().With("component", "badgerq"),
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

	go b.janitor()
	return b, nil
}

// Enqueue durably accepts a job.
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

	seq, err := b.nextSeq()
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	err = b.backend.WithTx(func(tx *badgerdb.Txn) error {
		if err := tx.Set(pendingKey(job.Queue, seq), value); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Reserve leases the head job of the named queue.
func (b *Broker) Reserve(ctx context.Context, queueName string) (*queue.Delivery, error) {
	for attempt := 0; ; attempt++ {
		delivery, err := b.tryReserve(queueName)
		if err == nil || !errors.Is(err, badgerdb.ErrConflict) || attempt >= reserveConflictRetries {
			return delivery, err
		}
	}
}

func (b *Broker) tryReserve(queueName string) (*queue.Delivery, error) {
	var delivery *queue.Delivery

	err := b.backend.WithTx(func(tx *badgerdb.Txn) error {
		prefix := pendingScanPrefix(queueName)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)

		iter.Rewind()
		if !iter.Valid() {
			iter.Close()
			return queue.ErrQueueEmpty
		}

		key := iter.Item().KeyCopy(nil)
		value, err := iter.Item().ValueCopy(nil)
		iter.Close()
		if err != nil {
			return err
		}

		var job queue.Job
		if err := json.Unmarshal(value, &job); err != nil {
			// Undecodable entry; drop it rather than wedge the queue.
			b.logger.Error("dropping undecodable job", "key", string(key), "err", err)
			if err := tx.Delete(key); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			return queue.ErrQueueEmpty
		}

		seq, ok := seqFromKey(key)
		if !ok {
			return errors.New("malformed pending key: " + string(key))
		}

		lease := leaseRecord{Job: job, ExpiresAt: time.Now().UTC().Add(b.leaseTimeout)}
		leaseValue, err := json.Marshal(lease)
		if err != nil {
			return err
		}

		lk := leasedKey(queueName, seq)
		if err := tx.Delete(key); err != nil {
			return err
		}
		if err := tx.Set(lk, leaseValue); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		delivery = &queue.Delivery{Job: job, Receipt: string(lk)}
		return nil
	}, true)
	if err != nil {
		return nil, err
	}
	return delivery, nil
}

// Ack removes the lease entry; the job is done.
func (b *Broker) Ack(ctx context.Context, d *queue.Delivery) error {
	return b.backend.WithTx(func(tx *badgerdb.Txn) error {
		if err := tx.Delete([]byte(d.Receipt)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// Nack schedules a redelivery with backoff, or dead-letters the job once
// its attempts are exhausted.
func (b *Broker) Nack(ctx context.Context, d *queue.Delivery, cause error) error {
	job := d.Job
	job.Attempt++

	seq, err := b.nextSeq()
	if err != nil {
		return err
	}
	value, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return b.backend.WithTx(func(tx *badgerdb.Txn) error {
		if err := tx.Delete([]byte(d.Receipt)); err != nil {
			return err
		}

		if job.Attempt >= job.MaxAttempts {
			b.logger.Warn("job exhausted attempts, dead-lettering",
				"queue", job.Queue, "job", job.ID, "attempts", job.Attempt, "cause", cause)
			if err := tx.Set(deadKey(job.Queue, seq), value); err != nil {
				return err
			}
			return tx.Commit()
		}

		due := time.Now().UTC().Add(queue.RetryDelay(b.retryBase, job.Attempt))
		if err := tx.Set(retryKey(job.Queue, due, seq), value); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// Depth reports pending plus awaiting-retry backlog of one queue.
func (b *Broker) Depth(ctx context.Context, queueName string) (int, error) {
	var depth int
	err := b.backend.WithTx(func(tx *badgerdb.Txn) error {
		depth = b.countPrefix(tx, pendingScanPrefix(queueName)) +
			b.countPrefix(tx, retryScanPrefix(queueName))
		return nil
	}, false)
	return depth, err
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

// DeadCount reports the dead-letter backlog of one queue.
func (b *Broker) DeadCount(ctx context.Context, queueName string) (int, error) {
	var count int
	err := b.backend.WithTx(func(tx *badgerdb.Txn) error {
		count = b.countPrefix(tx, deadScanPrefix(queueName))
		return nil
	}, false)
	return count, err
}

// Ping delegates to the backend.
func (b *Broker) Ping(ctx context.Context) error {
	return b.backend.Ping(ctx)
}

// Close stops the janitor and releases the sequence. The shared backend is
// closed by its owner.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
		err = b.seq.Release()
	})
	return err
}

func (b *Broker) nextSeq() (uint64, error) {
	seq, err := b.seq.Next()
	if err != nil {
		return 0, err
	}
	// Sequence 0 would sort ambiguously with a fresh database; skip it.
	if seq == 0 {
		return b.seq.Next()
	}
	return seq, nil
}

func (b *Broker) countPrefix(tx *badgerdb.Txn, prefix []byte) int {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	defer iter.Close()

	count := 0
	for iter.Rewind(); iter.Valid(); iter.Next() {
		count++
	}
	return count
}

// janitor periodically releases due retries and reclaims expired leases.
func (b *Broker) janitor() {
	defer close(b.done)
	ticker := time.NewTicker(b.janitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			for _, q := range b.queues {
				if err := b.releaseDueRetries(q); err != nil {
					b.logger.Error("error releasing retries", "queue", q, "err", err)
				}
				if err := b.reclaimExpiredLeases(q); err != nil {
					b.logger.Error("error reclaiming leases", "queue", q, "err", err)
				}
			}
		}
	}
}

func (b *Broker) releaseDueRetries(queueName string) error {
	bound := retryBound(queueName, time.Now().UTC())

	return b.backend.WithTx(func(tx *badgerdb.Txn) error {
		prefix := retryScanPrefix(queueName)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)

		type move struct {
			key   []byte
			value []byte
		}
		var moves []move
		for iter.Rewind(); iter.Valid(); iter.Next() {
			key := iter.Item().Key()
			if bytes.Compare(key[:min(len(key), len(bound))], bound) > 0 {
				break
			}
			value, err := iter.Item().ValueCopy(nil)
			if err != nil {
				iter.Close()
				return err
			}
			moves = append(moves, move{key: iter.Item().KeyCopy(nil), value: value})
		}
		iter.Close()

		if len(moves) == 0 {
			return nil
		}
		for _, m := range moves {
			seq, err := b.nextSeq()
			if err != nil {
				return err
			}
			if err := tx.Delete(m.key); err != nil {
				return err
			}
			if err := tx.Set(pendingKey(queueName, seq), m.value); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
}

func (b *Broker) reclaimExpiredLeases(queueName string) error {
	now := time.Now().UTC()

	return b.backend.WithTx(func(tx *badgerdb.Txn) error {
		prefix := leasedScanPrefix(queueName)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)

		type reclaim struct {
			key   []byte
			value []byte
		}
		var reclaims []reclaim
		for iter.Rewind(); iter.Valid(); iter.Next() {
			value, err := iter.Item().ValueCopy(nil)
			if err != nil {
				iter.Close()
				return err
			}
			var lease leaseRecord
			if err := json.Unmarshal(value, &lease); err != nil {
				b.logger.Error("dropping undecodable lease", "key", string(iter.Item().Key()), "err", err)
				reclaims = append(reclaims, reclaim{key: iter.Item().KeyCopy(nil)})
				continue
			}
			if lease.ExpiresAt.After(now) {
				continue
			}
			jobValue, err := json.Marshal(lease.Job)
			if err != nil {
				iter.Close()
				return err
			}
			reclaims = append(reclaims, reclaim{key: iter.Item().KeyCopy(nil), value: jobValue})
		}
		iter.Close()

		if len(reclaims) == 0 {
			return nil
		}
		for _, rc := range reclaims {
			if err := tx.Delete(rc.key); err != nil {
				return err
			}
			if rc.value == nil {
				continue
			}
			seq, err := b.nextSeq()
			if err != nil {
				return err
			}
			if err := tx.Set(pendingKey(queueName, seq), rc.value); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
}

// seqFromKey parses the trailing 16-hex sequence of a pending key.
func seqFromKey(key []byte) (uint64, bool) {
	if len(key) < 16 {
		return 0, false
	}
	var seq uint64
	for _, c := range key[len(key)-16:] {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		default:
			return 0, false
		}
		seq = seq<<4 | uint64(v)
	}
	return seq, true
}
