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

// Package enrich implements the entity enrichment engine: it surfaces
// entity candidates from a record (structured references first, model
// extraction second), resolves each against existing entity shards in the
// tenant, creates minimal entity shards where none exist, and merges the
// resulting relationship edges back into the record under optimistic
// concurrency.
//
// Candidate processing is collect-and-continue: one failing candidate never
// aborts the others, and edges salvaged before a surfacing failure are
// merged before the job is handed back for retry.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/ai"
	"github.com/quarrylabs/quarry/audit"
	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/storage"
)

// candidateScanLimit bounds the by-name fallback scan per candidate.
const candidateScanLimit = 500

// handlerFunc surfaces candidates from one kind of record.
type handlerFunc func(ctx context.Context, record *core.Shard) ([]candidate, error)

// Engine enriches records with entity relationship edges.
type Engine struct {
	shards    storage.ShardRepository
	extractor ai.EntityExtractor
	sink      audit.Sink
	handlers  map[core.ShardType]handlerFunc
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditSink sets the audit sink for relationship mutations.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// New creates an enrichment engine. The handler map is exhaustive over the
// known record kinds; kinds without enrichment semantics map to a no-op, as
// does anything unknown.
func New(shards storage.ShardRepository, extractor ai.EntityExtractor, opts ...Option) *Engine {
	e := &Engine{
		shards:    shards,
		extractor: extractor,
		sink:      audit.NewLogSink(nil),
		logger:    slog.Default().With("component", "enrich"),
	}
	e.handlers = map[core.ShardType]handlerFunc{
		core.ShardTypeOpportunity: e.opportunityCandidates,
		core.ShardTypeAccount:     e.nopCandidates, // already an entity
		core.ShardTypeContact:     e.nopCandidates, // already an entity
		core.ShardTypeDocument:    e.nameCandidates,
		core.ShardTypeFolder:      e.nameCandidates,
		core.ShardTypeChannel:     e.channelCandidates,
		core.ShardTypeChunk:       e.nopCandidates,
		core.ShardTypeAudit:       e.nopCandidates,
		core.ShardTypeUnknown:     e.nopCandidates,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle processes one enrichment job. Records are enriched on every
// delivery, first revision or not: re-enrichment on edit is intentional,
// and the merge discipline keeps it idempotent.
func (e *Engine) Handle(ctx context.Context, job queue.Job) error {
	record, err := e.shards.GetShard(ctx, job.TenantID, job.ShardID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("record missing, dropping job", "shard", job.ShardID)
			return nil
		}
		return err
	}

	handler, ok := e.handlers[record.Type]
	if !ok {
		handler = e.nopCandidates
	}

	candidates, candErr := handler(ctx, record)
	if candErr != nil && len(candidates) == 0 {
		// Nothing salvaged; let the queue retry the whole record.
		return fmt.Errorf("surfacing candidates for %s: %w", record.ID, candErr)
	}
	if candErr != nil {
		e.logger.Warn("merging partial candidate set before retry", "shard", record.ID, "err", candErr)
	}
	if len(candidates) == 0 {
		return nil
	}

	// Resolve candidates one by one, collecting edges. A failing candidate
	// is logged and skipped.
	var edges []core.Relationship
	for _, c := range candidates {
		edge, err := e.resolve(ctx, record.TenantID, c)
		if err != nil {
			e.logger.Warn("error resolving candidate",
				"shard", record.ID, "candidate", c.name, "type", c.entityType.String(), "err", err)
			continue
		}
		if edge != nil {
			edges = append(edges, *edge)
		}
	}
	if len(edges) == 0 {
		if candErr != nil {
			return fmt.Errorf("surfacing candidates for %s: %w", record.ID, candErr)
		}
		return nil
	}

	// The final merge is the reportable failure: conflicts re-read and
	// retry inside UpdateShard, anything else bubbles up for redelivery.
	_, err = storage.UpdateShard(ctx, e.shards, record.TenantID, record.ID, func(s *core.Shard) error {
		s.InternalRelationships = core.MergeRelationships(s.InternalRelationships, edges)
		return nil
	})
	if err != nil {
		return fmt.Errorf("merging edges into %s: %w", record.ID, err)
	}

	e.sink.Record(ctx, audit.Entry{
		Actor:    "enrich",
		TenantID: record.TenantID,
		Target:   record.ID,
		Action:   "record.enrich",
		Outcome:  "linked",
		Reason:   fmt.Sprintf("%d edge(s)", len(edges)),
	})
	e.logger.Info("record enriched", "tenant", record.TenantID, "shard", record.ID, "edges", len(edges))

	// A failed candidate pass still surfaces after the salvage: the merged
	// edges are durable, and the dedup keeps the retry idempotent.
	if candErr != nil {
		return fmt.Errorf("surfacing candidates for %s: %w", record.ID, candErr)
	}
	return nil
}

// resolve finds or creates the entity shard for a candidate and returns the
// relationship edge pointing at it. A nil edge with nil error means the
// candidate cannot be linked (unsupported type, nothing to match).
func (e *Engine) resolve(ctx context.Context, tenantID string, c candidate) (*core.Relationship, error) {
	target, err := e.lookup(ctx, tenantID, c)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if target == nil {
		target, err = e.createEntity(ctx, tenantID, c)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, nil
		}
	}

	return &core.Relationship{
		ShardID:   target.ID,
		ShardType: target.Type,
		ShardName: target.Name,
		Metadata: core.RelationshipMetadata{
			Confidence:       core.ScaleConfidence(c.source, c.confidence),
			Source:           c.source,
			ExtractionMethod: c.method,
			ExtractedAt:      time.Now().UTC(),
		},
	}, nil
}

// lookup resolves a candidate to an existing shard: by external identifier
// when the candidate carries one, otherwise by case-insensitive name match
// within the candidate's type.
func (e *Engine) lookup(ctx context.Context, tenantID string, c candidate) (*core.Shard, error) {
	if c.externalID != "" {
		shard, err := e.shards.FindByExternalID(ctx, tenantID, c.externalID)
		if err == nil || !errors.Is(err, storage.ErrNotFound) {
			return shard, err
		}
	}

	if c.name == "" {
		return nil, storage.ErrNotFound
	}
	existing, err := e.shards.ShardsByType(ctx, tenantID, c.entityType, candidateScanLimit)
	if err != nil {
		return nil, err
	}
	for _, shard := range existing {
		if strings.EqualFold(shard.Name, c.name) {
			return shard, nil
		}
	}
	return nil, storage.ErrNotFound
}

// createEntity writes a minimal entity shard for candidate types that
// support creation; others link only to existing shards.
func (e *Engine) createEntity(ctx context.Context, tenantID string, c candidate) (*core.Shard, error) {
	if c.entityType != core.ShardTypeAccount && c.entityType != core.ShardTypeContact {
		return nil, nil
	}

	shard := &core.Shard{
		TenantID: tenantID,
		Type:     c.entityType,
		Name:     c.name,
	}
	if c.externalID != "" {
		shard.SetField(core.FieldExternalID, c.externalID)
	}

	created, err := e.shards.CreateShard(ctx, shard)
	if err != nil {
		return nil, fmt.Errorf("creating %s entity %q: %w", c.entityType.String(), c.name, err)
	}

	e.sink.Record(ctx, audit.Entry{
		Actor:    "enrich",
		TenantID: tenantID,
		Target:   created.ID,
		Action:   "entity.create",
		Outcome:  "created",
		Reason:   c.method,
	})
	e.logger.Debug("entity created", "tenant", tenantID, "shard", created.ID, "type", created.Type.String())
	return created, nil
}
