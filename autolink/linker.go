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

// Package autolink reacts to record-created events: it scores a new record
// against existing projects or opportunities using participant overlap,
// name similarity, and creation proximity, and writes relationship edges
// for the matches. Only first revisions are processed; edits are ignored so
// a record is never auto-linked twice by its own update events.
package autolink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/audit"
	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/jobs"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/storage"
)

// candidateLimit bounds how many target records one event is scored
// against.
const candidateLimit = 500

// Linker links newly created records to one kind of target record.
type Linker struct {
	shards     storage.ShardRepository
	broker     queue.Broker
	sink       audit.Sink
	targetType core.ShardType
	riskOnOpps bool
	logger     *slog.Logger
}

// Option configures a Linker.
type Option func(*Linker)

// WithAuditSink sets the audit sink for relationship mutations.
func WithAuditSink(sink audit.Sink) Option {
	return func(l *Linker) {
		if sink != nil {
			l.sink = sink
		}
	}
}

// NewProjectLinker creates the worker linking new records to projects.
func NewProjectLinker(shards storage.ShardRepository, broker queue.Broker, opts ...Option) *Linker {
	return newLinker(shards, broker, core.ShardTypeProject, false, opts...)
}

// NewOpportunityLinker creates the worker linking new records to
// opportunities. It additionally enqueues a risk evaluation when the
// processed record is itself an opportunity.
func NewOpportunityLinker(shards storage.ShardRepository, broker queue.Broker, opts ...Option) *Linker {
	return newLinker(shards, broker, core.ShardTypeOpportunity, true, opts...)
}

func newLinker(shards storage.ShardRepository, broker queue.Broker, targetType core.ShardType, riskOnOpps bool, opts ...Option) *Linker {
	l := &Linker{
		shards:     shards,
		broker:     broker,
		sink:       audit.NewLogSink(nil),
		targetType: targetType,
		riskOnOpps: riskOnOpps,
		logger:     slog.Default().With("component", "autolink", "target", targetType.String()),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handle processes one record-created event.
func (l *Linker) Handle(ctx context.Context, job queue.Job) error {
	var payload jobs.RecordEventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		l.logger.Error("undecodable record event payload", "job", job.ID, "err", err)
		return nil
	}

	// First revisions only. An edit redelivers the record with a higher
	// revision; processing it would re-link on every save.
	if payload.RevisionNumber != 1 {
		l.logger.Debug("ignoring non-first revision", "shard", job.ShardID, "revision", payload.RevisionNumber)
		return nil
	}

	record, err := l.shards.GetShard(ctx, job.TenantID, job.ShardID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			l.logger.Warn("record missing, dropping event", "shard", job.ShardID)
			return nil
		}
		return err
	}

	edges, err := l.matchTargets(ctx, record)
	if err != nil {
		return err
	}

	if len(edges) > 0 {
		_, err = storage.UpdateShard(ctx, l.shards, record.TenantID, record.ID, func(s *core.Shard) error {
			s.InternalRelationships = core.MergeRelationships(s.InternalRelationships, edges)
			return nil
		})
		if err != nil {
			return fmt.Errorf("merging autolink edges into %s: %w", record.ID, err)
		}

		l.sink.Record(ctx, audit.Entry{
			Actor:    "autolink",
			TenantID: record.TenantID,
			Target:   record.ID,
			Action:   "record.autolink." + l.targetType.String(),
			Outcome:  "linked",
			Reason:   fmt.Sprintf("%d edge(s)", len(edges)),
		})
		l.logger.Info("record auto-linked", "tenant", record.TenantID, "shard", record.ID, "edges", len(edges))
	}

	// Fire-and-forget: a failed risk handoff must never fail the link job.
	if l.riskOnOpps && record.Type == core.ShardTypeOpportunity {
		l.enqueueRisk(ctx, record, payload.ActorID)
	}
	return nil
}

// matchTargets scores the record against existing targets and returns an
// edge for every match above the threshold.
func (l *Linker) matchTargets(ctx context.Context, record *core.Shard) ([]core.Relationship, error) {
	targets, err := l.shards.ShardsByType(ctx, record.TenantID, l.targetType, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("loading %s candidates: %w", l.targetType.String(), err)
	}

	var edges []core.Relationship
	for _, target := range targets {
		if target.ID == record.ID {
			continue
		}
		score, ok := matchScore(record, target)
		if !ok {
			continue
		}
		edges = append(edges, core.Relationship{
			ShardID:   target.ID,
			ShardType: target.Type,
			ShardName: target.Name,
			Metadata: core.RelationshipMetadata{
				Confidence:       core.ScaleConfidence(core.SourceMessaging, score),
				Source:           core.SourceMessaging,
				ExtractionMethod: "heuristic",
				ExtractedAt:      time.Now().UTC(),
			},
		})
	}
	return edges, nil
}

func (l *Linker) enqueueRisk(ctx context.Context, record *core.Shard, actorID string) {
	riskJob, err := queue.NewJob(jobs.QueueRisk, record.TenantID, record.ID, jobs.RiskPayload{
		OpportunityID: record.ID,
		ActorID:       actorID,
		Options:       map[string]any{"trigger": "created"},
	})
	if err != nil {
		l.logger.Error("error building risk job", "shard", record.ID, "err", err)
		return
	}
	if _, err := l.broker.Enqueue(ctx, riskJob); err != nil {
		l.logger.Error("error enqueueing risk evaluation", "shard", record.ID, "err", err)
	}
}
