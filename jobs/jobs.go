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

// Package jobs names the pipeline's queues and defines the payload carried
// on each. Every stage consumes from exactly one queue; fan-out happens by
// enqueueing onto downstream queues.
package jobs

// Queue names. Each maps to one worker pool in the composition root.
const (
	QueueGate            = "gate"
	QueueChunk           = "chunk"
	QueueEmbed           = "embed"
	QueueEnrich          = "enrich"
	QueueLinkProject     = "autolink.project"
	QueueLinkOpportunity = "autolink.opportunity"
	QueueRisk            = "risk"
)

// AllQueues returns every queue the pipeline serves, in pipeline order.
func AllQueues() []string {
	return []string{
		QueueGate,
		QueueChunk,
		QueueEmbed,
		QueueEnrich,
		QueueLinkProject,
		QueueLinkOpportunity,
		QueueRisk,
	}
}

// GatePayload accompanies a document upload awaiting admission. The blob sits
// in the quarantine container at Path until the gate promotes or rejects it.
type GatePayload struct {
	Path         string `json:"path"`
	DeclaredType string `json:"declaredType"`
	DeclaredSize int64  `json:"declaredSize"`
}

// ChunkPayload accompanies a promoted document awaiting text extraction and
// chunking. The document shard ID rides on the job envelope.
type ChunkPayload struct {
	ContentType string `json:"contentType"`
}

// EmbedPayload identifies one chunk to embed. Chunks are embedded
// independently so one failure never blocks its siblings.
type EmbedPayload struct {
	ChunkID  string `json:"chunkId"`
	ParentID string `json:"parentId"`
	Sequence int    `json:"sequence"`
}

// RecordEventPayload accompanies a record create or update event from the
// platform. RevisionNumber lets consumers distinguish creation from updates;
// ActorID identifies the user whose action produced the event.
type RecordEventPayload struct {
	RevisionNumber int64  `json:"revisionNumber"`
	ActorID        string `json:"actorId,omitempty"`
}

// RiskPayload requests a risk assessment of an opportunity record.
type RiskPayload struct {
	OpportunityID string         `json:"opportunityId"`
	ActorID       string         `json:"actorId,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}
