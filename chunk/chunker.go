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

// Package chunk implements the first half of the document pipeline: extract
// text from a promoted document, split it into sentence-aware chunks,
// persist one chunk record per slice, and hand each chunk to the embedding
// stage. Chunk IDs are deterministic, so re-running a document overwrites
// its chunks instead of duplicating them.
package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/jobs"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/storage"
)

const (
	defaultTargetSize = 1200
	defaultMaxSize    = 2000
)

// Chunker turns promoted documents into embedded-ready chunk records.
type Chunker struct {
	shards     storage.ShardRepository
	objects    storage.ObjectStore
	broker     queue.Broker
	targetSize int
	maxSize    int
	logger     *slog.Logger
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSizes sets the target and hard-maximum chunk sizes in characters.
func WithChunkSizes(target, max int) Option {
	return func(c *Chunker) {
		if target > 0 {
			c.targetSize = target
		}
		if max >= c.targetSize {
			c.maxSize = max
		}
	}
}

// New creates a chunking stage.
func New(shards storage.ShardRepository, objects storage.ObjectStore, broker queue.Broker, opts ...Option) *Chunker {
	c := &Chunker{
		shards:     shards,
		objects:    objects,
		broker:     broker,
		targetSize: defaultTargetSize,
		maxSize:    defaultMaxSize,
		logger:     slog.Default().With("component", "chunker"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle processes one chunking job. Extraction failures are terminal for
// the document: the embedding status records the outcome and no partial
// chunk set is left behind.
func (c *Chunker) Handle(ctx context.Context, job queue.Job) error {
	var payload jobs.ChunkPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		c.logger.Error("undecodable chunk payload", "job", job.ID, "err", err)
		return nil
	}

	doc, err := c.shards.GetShard(ctx, job.TenantID, job.ShardID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("document record missing, dropping job", "shard", job.ShardID)
			return nil
		}
		return err
	}

	if status, _ := doc.StringField(core.FieldEmbeddingStatus); status == core.EmbeddingStatusComplete {
		return nil
	}

	path, ok := doc.StringField(core.FieldStoragePath)
	if !ok || path == "" {
		c.logger.Warn("document has no storage path, dropping job", "shard", doc.ID)
		return nil
	}

	contentType := payload.ContentType
	if contentType == "" {
		contentType, _ = doc.StringField(core.FieldContentType)
	}

	data, err := c.objects.Get(ctx, storage.ContainerPermanent, path)
	if err != nil {
		return fmt.Errorf("reading document object: %w", err)
	}

	text, err := ExtractText(data, contentType)
	if err != nil {
		status := core.EmbeddingStatusFailed
		if errors.Is(err, ErrUnsupportedFormat) {
			status = core.EmbeddingStatusSkipped
		}
		c.logger.Warn("text extraction failed", "shard", doc.ID, "contentType", contentType, "err", err)
		return c.markStatus(ctx, doc, status)
	}

	pieces := SplitText(text, c.targetSize, c.maxSize)
	if len(pieces) == 0 {
		c.logger.Info("document yielded no text", "shard", doc.ID)
		return c.markStatus(ctx, doc, core.EmbeddingStatusSkipped)
	}

	// A redelivered job may race embed jobs from its first delivery: chunks
	// already embedded keep their vectors and are not re-enqueued, and the
	// pending counter reflects only the chunks still missing one.
	chunkIDs := make([]string, len(pieces))
	embedded := make([]bool, len(pieces))
	pending := 0
	for i, piece := range pieces {
		id := core.ChunkID(doc.ID, i, piece)
		existing, err := c.shards.GetShard(ctx, doc.TenantID, id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("checking chunk %d: %w", i, err)
		}

		chunkShard := &core.Shard{
			ID:       id,
			TenantID: doc.TenantID,
			Type:     core.ShardTypeChunk,
			Name:     fmt.Sprintf("%s#%d", doc.Name, i),
			StructuredData: map[string]any{
				core.FieldParentDocument: doc.ID,
				core.FieldSequence:       i,
				core.FieldText:           piece,
			},
		}
		if existing != nil && len(existing.Vector) > 0 {
			chunkShard.Vector = existing.Vector
			embedded[i] = true
		} else {
			pending++
		}
		if _, err := c.shards.CreateShard(ctx, chunkShard); err != nil {
			return fmt.Errorf("persisting chunk %d: %w", i, err)
		}
		chunkIDs[i] = chunkShard.ID
	}

	// The counter is how completion is detected; it must be in place before
	// any embed job can run.
	_, err = storage.UpdateShard(ctx, c.shards, doc.TenantID, doc.ID, func(s *core.Shard) error {
		s.SetField(core.FieldPendingChunks, pending)
		if pending > 0 {
			s.SetField(core.FieldEmbeddingStatus, core.EmbeddingStatusEmbedding)
		} else {
			s.SetField(core.FieldEmbeddingStatus, core.EmbeddingStatusComplete)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating document counters: %w", err)
	}

	for i, chunkID := range chunkIDs {
		if embedded[i] {
			continue
		}
		embedJob, err := queue.NewJob(jobs.QueueEmbed, doc.TenantID, doc.ID, jobs.EmbedPayload{
			ChunkID:  chunkID,
			ParentID: doc.ID,
			Sequence: i,
		})
		if err != nil {
			return err
		}
		if _, err := c.broker.Enqueue(ctx, embedJob); err != nil {
			return fmt.Errorf("enqueueing embed job for chunk %d: %w", i, err)
		}
	}

	c.logger.Info("document chunked", "tenant", doc.TenantID, "shard", doc.ID, "chunks", len(pieces), "pending", pending)
	return nil
}

func (c *Chunker) markStatus(ctx context.Context, doc *core.Shard, status string) error {
	_, err := storage.UpdateShard(ctx, c.shards, doc.TenantID, doc.ID, func(s *core.Shard) error {
		s.SetField(core.FieldEmbeddingStatus, status)
		return nil
	})
	return err
}
