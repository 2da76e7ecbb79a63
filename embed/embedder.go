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

// Package embed implements the second half of the document pipeline: attach
// a vector to each chunk record and, once the parent document's pending
// counter reaches zero, mark the document fully embedded. Each chunk is one
// job, so one failing chunk retries without blocking its siblings.
package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quarrylabs/quarry/ai"
	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/jobs"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/storage"
)

// errAlreadyEmbedded aborts the conditional update when another delivery of
// the same job won the race; the counter must not be decremented twice.
var errAlreadyEmbedded = errors.New("chunk already embedded")

// Embedder attaches vectors to chunk records.
type Embedder struct {
	shards   storage.ShardRepository
	embedSvc ai.Embedder
	logger   *slog.Logger
}

// New creates an embedding stage.
func New(shards storage.ShardRepository, embedSvc ai.Embedder) *Embedder {
	return &Embedder{
		shards:   shards,
		embedSvc: embedSvc,
		logger:   slog.Default().With("component", "embedder"),
	}
}

// Handle processes one embedding job. An embedding-service failure surfaces
// as an error so the queue retries this chunk independently.
func (e *Embedder) Handle(ctx context.Context, job queue.Job) error {
	var payload jobs.EmbedPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		e.logger.Error("undecodable embed payload", "job", job.ID, "err", err)
		return nil
	}

	chunk, err := e.shards.GetShard(ctx, job.TenantID, payload.ChunkID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("chunk record missing, dropping job", "chunk", payload.ChunkID)
			return nil
		}
		return err
	}

	// Duplicate delivery after a completed earlier attempt.
	if len(chunk.Vector) > 0 {
		return nil
	}

	text, _ := chunk.StringField(core.FieldText)
	if text == "" {
		e.logger.Warn("chunk has no text, counting it done", "chunk", chunk.ID)
		return e.decrementPending(ctx, job.TenantID, payload.ParentID)
	}

	vector, err := e.embedSvc.EmbedText(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding chunk %s: %w", chunk.ID, err)
	}

	_, err = storage.UpdateShard(ctx, e.shards, job.TenantID, chunk.ID, func(s *core.Shard) error {
		if len(s.Vector) > 0 {
			return errAlreadyEmbedded
		}
		s.Vector = vector
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyEmbedded) {
			// The concurrent winner decremented the counter.
			return nil
		}
		return fmt.Errorf("storing vector for chunk %s: %w", chunk.ID, err)
	}

	e.logger.Debug("chunk embedded", "tenant", job.TenantID, "chunk", chunk.ID, "sequence", payload.Sequence)
	return e.decrementPending(ctx, job.TenantID, payload.ParentID)
}

// decrementPending counts one chunk as done on the parent document and
// flips the document to complete when the counter hits zero.
func (e *Embedder) decrementPending(ctx context.Context, tenantID, parentID string) error {
	doc, err := storage.UpdateShard(ctx, e.shards, tenantID, parentID, func(s *core.Shard) error {
		pending, _ := s.NumberField(core.FieldPendingChunks)
		remaining := int(pending) - 1
		if remaining < 0 {
			remaining = 0
		}
		s.SetField(core.FieldPendingChunks, remaining)
		if remaining == 0 {
			s.SetField(core.FieldEmbeddingStatus, core.EmbeddingStatusComplete)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("parent document missing for embedded chunk", "parent", parentID)
			return nil
		}
		return fmt.Errorf("updating parent document %s: %w", parentID, err)
	}

	if status, _ := doc.StringField(core.FieldEmbeddingStatus); status == core.EmbeddingStatusComplete {
		e.logger.Info("document fully embedded", "tenant", tenantID, "shard", parentID)
	}
	return nil
}
