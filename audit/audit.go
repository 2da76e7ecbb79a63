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

// Package audit records security-relevant pipeline decisions: document
// admissions and rejections, entity writes, record mutations. Sinks are
// best-effort; an audit failure never fails the operation being audited.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/storage"
)

// Entry is one audited event.
type Entry struct {
	Actor    string    `json:"actor"`
	TenantID string    `json:"tenantId"`
	Target   string    `json:"target"`
	Action   string    `json:"action"`
	Outcome  string    `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Sink accepts audit entries. Implementations must be safe for concurrent
// use and must not block the caller for long.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// LogSink writes audit entries to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Record(ctx context.Context, e Entry) {
	s.logger.Info("audit",
		"actor", e.Actor,
		"tenant", e.TenantID,
		"target", e.Target,
		"action", e.Action,
		"outcome", e.Outcome,
		"reason", e.Reason)
}

// StoreSink persists audit entries as shards so they are queryable alongside
// the records they describe.
type StoreSink struct {
	shards storage.ShardRepository
	logger *slog.Logger
}

// NewStoreSink creates a sink persisting to the shard repository.
func NewStoreSink(shards storage.ShardRepository) *StoreSink {
	return &StoreSink{
		shards: shards,
		logger: slog.Default().With("component", "audit-store"),
	}
}

func (s *StoreSink) Record(ctx context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	shard := &core.Shard{
		TenantID: e.TenantID,
		Type:     core.ShardTypeAudit,
		Name:     e.Action + ":" + e.Target,
		StructuredData: map[string]any{
			"actor":   e.Actor,
			"target":  e.Target,
			"action":  e.Action,
			"outcome": e.Outcome,
			"reason":  e.Reason,
			"at":      e.At.Format(time.RFC3339Nano),
		},
	}
	if _, err := s.shards.CreateShard(ctx, shard); err != nil {
		// Best effort: log and move on.
		s.logger.Error("error persisting audit entry", "action", e.Action, "err", err)
	}
}

// MultiSink fans entries out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e Entry) {
	for _, sink := range m {
		sink.Record(ctx, e)
	}
}

// Nop is a sink that discards everything, for tests.
type Nop struct{}

func (Nop) Record(ctx context.Context, e Entry) {}
