// Copyright 2025 Quarry Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "time"

// Source identifies where a relationship edge was derived from. Each source
// carries a trust multiplier applied to the extractor's own confidence.
type Source string

const (
	SourceManual    Source = "manual"
	SourceCRM       Source = "crm"
	SourceLLM       Source = "llm"
	SourceMessaging Source = "messaging"
)

var sourceMultipliers = map[Source]float64{
	SourceManual:    1.0,
	SourceCRM:       0.9,
	SourceLLM:       0.6,
	SourceMessaging: 0.5,
}

// Multiplier returns the trust multiplier for the source. Unknown sources
// get the most conservative known multiplier.
func (s Source) Multiplier() float64 {
	if m, ok := sourceMultipliers[s]; ok {
		return m
	}
	return sourceMultipliers[SourceMessaging]
}

// ScaleConfidence applies the source policy to an extractor-reported
// confidence and clamps the result to [0,1].
func ScaleConfidence(source Source, extractorConfidence float64) float64 {
	c := extractorConfidence * source.Multiplier()
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// RelationshipMetadata describes how and how confidently an edge was derived.
type RelationshipMetadata struct {
	Confidence       float64   `json:"confidence"`
	Source           Source    `json:"source"`
	ExtractionMethod string    `json:"extractionMethod,omitempty"`
	ExtractedAt      time.Time `json:"extractedAt"`
}

// Relationship is an edge embedded in a shard's relationship lists,
// pointing at another shard in the same tenant.
type Relationship struct {
	ShardID   string               `json:"shardId"`
	ShardType ShardType            `json:"shardTypeId"`
	ShardName string               `json:"shardName,omitempty"`
	Metadata  RelationshipMetadata `json:"metadata"`
}

// MergeRelationships merges incoming edges into an existing list,
// deduplicating by target shard ID. When both lists carry an edge for the
// same target, the incoming edge wins. Existing order is preserved; new
// targets are appended in incoming order.
func MergeRelationships(existing, incoming []Relationship) []Relationship {
	replacements := make(map[string]Relationship, len(incoming))
	for _, edge := range incoming {
		replacements[edge.ShardID] = edge
	}

	merged := make([]Relationship, 0, len(existing)+len(incoming))
	seen := make(map[string]bool, len(existing))
	for _, edge := range existing {
		if seen[edge.ShardID] {
			continue
		}
		seen[edge.ShardID] = true
		if replacement, ok := replacements[edge.ShardID]; ok {
			merged = append(merged, replacement)
			delete(replacements, edge.ShardID)
			continue
		}
		merged = append(merged, edge)
	}

	for _, edge := range incoming {
		if replacement, ok := replacements[edge.ShardID]; ok && !seen[edge.ShardID] {
			merged = append(merged, replacement)
			seen[edge.ShardID] = true
			delete(replacements, edge.ShardID)
		}
	}

	return merged
}
