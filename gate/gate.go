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

// Package gate implements the document security gate: an uploaded object
// sits in quarantine until its size, byte-level signature, and malware scan
// all pass, then it is promoted to the permanent container; any failing
// check deletes it. The object is never left in both containers, and never
// promoted without the record pointing at it.
package gate

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

// Reject reasons recorded on the document and in the audit trail.
const (
	ReasonSizeExceeded   = "size_exceeded"
	ReasonTypeNotAllowed = "type_not_allowed"
	ReasonThreatDetected = "threat_detected"
)

const defaultMaxSizeBytes = 500 * 1024 * 1024

// Gate checks quarantined uploads and promotes or rejects them.
type Gate struct {
	shards       storage.ShardRepository
	objects      storage.ObjectStore
	scanner      Scanner
	broker       queue.Broker
	sink         audit.Sink
	maxSizeBytes int64
	scanAttempts int
	logger       *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxSizeBytes sets the upload size ceiling. A file of exactly this
// size is accepted.
func WithMaxSizeBytes(n int64) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxSizeBytes = n
		}
	}
}

// WithScanAttempts sets how often a failing scan call is retried within one
// job before the job itself fails.
func WithScanAttempts(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.scanAttempts = n
		}
	}
}

// WithAuditSink sets the audit sink for terminal outcomes.
func WithAuditSink(sink audit.Sink) Option {
	return func(g *Gate) {
		if sink != nil {
			g.sink = sink
		}
	}
}

// New creates a security gate.
func New(shards storage.ShardRepository, objects storage.ObjectStore, scanner Scanner, broker queue.Broker, opts ...Option) *Gate {
	g := &Gate{
		shards:       shards,
		objects:      objects,
		scanner:      scanner,
		broker:       broker,
		sink:         audit.NewLogSink(nil),
		maxSizeBytes: defaultMaxSizeBytes,
		scanAttempts: 3,
		logger:       slog.Default().With("component", "gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle processes one gate job. Validation failures are terminal and
// return nil after recording the rejection; infrastructure failures return
// an error so the queue redelivers.
func (g *Gate) Handle(ctx context.Context, job queue.Job) error {
	var payload jobs.GatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		g.logger.Error("undecodable gate payload", "job", job.ID, "err", err)
		return nil
	}

	doc, err := g.shards.GetShard(ctx, job.TenantID, job.ShardID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			g.logger.Warn("document record missing, dropping job", "shard", job.ShardID)
			return nil
		}
		return err
	}

	// Redelivery after a completed or partially completed earlier attempt.
	if path, ok := doc.StringField(core.FieldStoragePath); ok && path != "" {
		return g.resumePromoted(ctx, doc, payload)
	}
	if status, _ := doc.StringField(core.FieldScanStatus); status == core.ScanStatusRejected {
		return g.deleteQuarantine(ctx, payload.Path)
	}

	// The declared size rejects obviously oversized uploads before the
	// object is fetched; the actual byte count below stays authoritative.
	if payload.DeclaredSize > g.maxSizeBytes {
		reason := fmt.Sprintf("%s: declared %d bytes exceeds ceiling of %d", ReasonSizeExceeded, payload.DeclaredSize, g.maxSizeBytes)
		return g.reject(ctx, doc, payload, ReasonSizeExceeded, reason)
	}

	data, err := g.objects.Get(ctx, storage.ContainerQuarantine, payload.Path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			g.logger.Warn("quarantine object missing, dropping job", "path", payload.Path)
			return nil
		}
		return err
	}

	if int64(len(data)) > g.maxSizeBytes {
		reason := fmt.Sprintf("%s: %d bytes exceeds ceiling of %d", ReasonSizeExceeded, len(data), g.maxSizeBytes)
		return g.reject(ctx, doc, payload, ReasonSizeExceeded, reason)
	}

	contentType, allowed := SniffContentType(data, payload.DeclaredType)
	if !allowed {
		reason := fmt.Sprintf("%s: detected %q", ReasonTypeNotAllowed, contentType)
		return g.reject(ctx, doc, payload, ReasonTypeNotAllowed, reason)
	}

	result, err := g.scan(ctx, data)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", payload.Path, err)
	}
	if !result.Clean {
		reason := fmt.Sprintf("%s: %s", ReasonThreatDetected, result.Threat)
		return g.reject(ctx, doc, payload, ReasonThreatDetected, reason)
	}

	return g.promote(ctx, doc, payload, contentType, int64(len(data)))
}

// scan retries the scanner call within the job; scanner errors past the
// attempt budget fail the job for queue-level redelivery.
func (g *Gate) scan(ctx context.Context, data []byte) (ScanResult, error) {
	var lastErr error
	for attempt := 0; attempt < g.scanAttempts; attempt++ {
		result, err := g.scanner.Scan(ctx, data)
		if err == nil {
			return result, nil
		}
		lastErr = err
		g.logger.Warn("scan attempt failed", "attempt", attempt+1, "err", err)

		select {
		case <-ctx.Done():
			return ScanResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return ScanResult{}, lastErr
}

// promote copies the object to the permanent container, points the record
// at it, hands the document to the chunking stage, then removes the
// quarantine copy. The record update is the commit point: if it fails, the
// permanent copy is removed again so the object never exists in both
// containers at rest.
func (g *Gate) promote(ctx context.Context, doc *core.Shard, payload jobs.GatePayload, contentType string, size int64) error {
	if err := g.objects.Copy(ctx, storage.ContainerQuarantine, payload.Path, storage.ContainerPermanent, payload.Path); err != nil {
		return fmt.Errorf("copying to permanent store: %w", err)
	}

	_, err := storage.UpdateShard(ctx, g.shards, doc.TenantID, doc.ID, func(s *core.Shard) error {
		s.SetField(core.FieldStoragePath, payload.Path)
		s.SetField(core.FieldContentType, contentType)
		s.SetField(core.FieldSizeBytes, size)
		s.SetField(core.FieldScanStatus, core.ScanStatusClean)
		return nil
	})
	if err != nil {
		if delErr := g.objects.Delete(ctx, storage.ContainerPermanent, payload.Path); delErr != nil {
			g.logger.Error("error removing permanent copy after failed record update",
				"path", payload.Path, "err", delErr)
		}
		return fmt.Errorf("updating document record: %w", err)
	}

	if err := g.enqueueChunk(ctx, doc, contentType); err != nil {
		return err
	}

	if err := g.objects.Delete(ctx, storage.ContainerQuarantine, payload.Path); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting quarantine copy: %w", err)
	}

	g.sink.Record(ctx, audit.Entry{
		Actor:    "gate",
		TenantID: doc.TenantID,
		Target:   doc.ID,
		Action:   "document.promote",
		Outcome:  "promoted",
	})
	g.logger.Info("document promoted", "tenant", doc.TenantID, "shard", doc.ID, "contentType", contentType, "size", size)
	return nil
}

// resumePromoted finishes the tail of a promotion that a crash or enqueue
// failure interrupted: the record already points at the permanent copy, so
// only the chunk handoff and the quarantine cleanup may be outstanding.
func (g *Gate) resumePromoted(ctx context.Context, doc *core.Shard, payload jobs.GatePayload) error {
	exists, err := g.objects.Exists(ctx, storage.ContainerQuarantine, payload.Path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	contentType, _ := doc.StringField(core.FieldContentType)
	if err := g.enqueueChunk(ctx, doc, contentType); err != nil {
		return err
	}
	return g.deleteQuarantine(ctx, payload.Path)
}

// reject marks the record, deletes the quarantine copy, and records the
// reason. The record is left without a usable file.
func (g *Gate) reject(ctx context.Context, doc *core.Shard, payload jobs.GatePayload, code, reason string) error {
	_, err := storage.UpdateShard(ctx, g.shards, doc.TenantID, doc.ID, func(s *core.Shard) error {
		s.SetField(core.FieldScanStatus, core.ScanStatusRejected)
		s.SetField(core.FieldScanReason, code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking document rejected: %w", err)
	}

	if err := g.deleteQuarantine(ctx, payload.Path); err != nil {
		return err
	}

	g.sink.Record(ctx, audit.Entry{
		Actor:    "gate",
		TenantID: doc.TenantID,
		Target:   doc.ID,
		Action:   "document.reject",
		Outcome:  "rejected",
		Reason:   reason,
	})
	g.logger.Info("document rejected", "tenant", doc.TenantID, "shard", doc.ID, "reason", reason)
	return nil
}

func (g *Gate) deleteQuarantine(ctx context.Context, path string) error {
	if err := g.objects.Delete(ctx, storage.ContainerQuarantine, path); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting quarantine object: %w", err)
	}
	return nil
}

func (g *Gate) enqueueChunk(ctx context.Context, doc *core.Shard, contentType string) error {
	job, err := queue.NewJob(jobs.QueueChunk, doc.TenantID, doc.ID, jobs.ChunkPayload{ContentType: contentType})
	if err != nil {
		return err
	}
	if _, err := g.broker.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing chunk job: %w", err)
	}
	return nil
}
