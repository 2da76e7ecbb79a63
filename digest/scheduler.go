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

// Package digest runs the notification digest scheduler: a fixed-interval
// timer, not an event consumer. Each tick drains the due pending digests up
// to a batch size, compiles and dispatches each one, and records its
// outcome independently; one failing digest never blocks the rest of the
// batch.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/storage"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 50
)

// Notification is one pending item compiled into a digest.
type Notification struct {
	ID      string
	Subject string
	Body    string
}

// NotificationStore resolves the notification IDs a digest references.
type NotificationStore interface {
	Notifications(ctx context.Context, tenantID string, ids []string) ([]Notification, error)
}

// Dispatcher delivers one compiled digest through the configured channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, d *core.Digest, content string) error
}

// LogDispatcher writes digests to the log instead of a delivery channel.
// The default until a real channel is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, digest *core.Digest, content string) error {
	d.logger.Info("digest dispatched", "tenant", digest.TenantID, "user", digest.UserID, "length", len(content))
	return nil
}

// emptyStore backs digests whose notifications live elsewhere.
type emptyStore struct{}

func (emptyStore) Notifications(ctx context.Context, tenantID string, ids []string) ([]Notification, error) {
	return nil, nil
}

// Scheduler periodically retires due pending digests.
type Scheduler struct {
	digests       storage.DigestRepository
	notifications NotificationStore
	dispatcher    Dispatcher
	interval      time.Duration
	batchSize     int
	logger        *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize caps how many due digests one tick processes.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithNotificationStore sets the store digest content is compiled from.
func WithNotificationStore(store NotificationStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.notifications = store
		}
	}
}

// New creates a digest scheduler. A nil dispatcher logs instead of
// delivering.
func New(digests storage.DigestRepository, dispatcher Dispatcher, opts ...Option) *Scheduler {
	if dispatcher == nil {
		dispatcher = NewLogDispatcher(nil)
	}
	s := &Scheduler{
		digests:       digests,
		notifications: emptyStore{},
		dispatcher:    dispatcher,
		interval:      defaultInterval,
		batchSize:     defaultBatchSize,
		logger:        slog.Default().With("component", "digest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled. It blocks; run it on its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("digest scheduler started", "interval", s.interval, "batchSize", s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("digest scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes one batch of due digests. Outcomes are independent per
// digest.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.digests.DuePending(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		s.logger.Error("error querying due digests", "err", err)
		return
	}
	if len(due) == 0 {
		return
	}

	sent, failed := 0, 0
	for _, d := range due {
		if err := s.process(ctx, d); err != nil {
			failed++
			s.logger.Error("error dispatching digest", "tenant", d.TenantID, "digest", d.ID, "err", err)
			if markErr := s.digests.MarkFailed(ctx, d.TenantID, d.ID, err.Error()); markErr != nil {
				s.logger.Error("error marking digest failed", "digest", d.ID, "err", markErr)
			}
			continue
		}
		sent++
		if markErr := s.digests.MarkSent(ctx, d.TenantID, d.ID, time.Now().UTC()); markErr != nil {
			s.logger.Error("error marking digest sent", "digest", d.ID, "err", markErr)
		}
	}
	s.logger.Info("digest batch processed", "due", len(due), "sent", sent, "failed", failed)
}

func (s *Scheduler) process(ctx context.Context, d *core.Digest) error {
	content, err := s.compile(ctx, d)
	if err != nil {
		return fmt.Errorf("compiling digest: %w", err)
	}
	return s.dispatcher.Dispatch(ctx, d, content)
}

// compile renders the digest body from its referenced notifications.
func (s *Scheduler) compile(ctx context.Context, d *core.Digest) (string, error) {
	notifications, err := s.notifications.Notifications(ctx, d.TenantID, d.NotificationIDs)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Digest for %s (%s - %s)\n",
		d.UserID,
		d.PeriodStart.Format(time.RFC3339),
		d.PeriodEnd.Format(time.RFC3339))
	if len(notifications) == 0 {
		sb.WriteString("No new notifications.\n")
		return sb.String(), nil
	}
	for _, n := range notifications {
		fmt.Fprintf(&sb, "- %s\n", n.Subject)
		if n.Body != "" {
			fmt.Fprintf(&sb, "  %s\n", n.Body)
		}
	}
	return sb.String(), nil
}
