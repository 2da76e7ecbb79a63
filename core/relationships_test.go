package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edge(target string, confidence float64, source Source) Relationship {
	return Relationship{
		ShardID:   target,
		ShardType: ShardTypeAccount,
		Metadata: RelationshipMetadata{
			Confidence:  confidence,
			Source:      source,
			ExtractedAt: time.Now().UTC(),
		},
	}
}

func TestMergeRelationshipsDeduplicatesByTarget(t *testing.T) {
	existing := []Relationship{
		edge("a", 0.5, SourceLLM),
		edge("b", 0.9, SourceCRM),
	}
	incoming := []Relationship{
		edge("b", 0.4, SourceMessaging),
		edge("c", 1.0, SourceManual),
	}

	merged := MergeRelationships(existing, incoming)
	require.Len(t, merged, 3)

	byTarget := make(map[string]Relationship)
	for _, e := range merged {
		byTarget[e.ShardID] = e
	}
	require.Len(t, byTarget, 3, "exactly one edge per target")

	// Later batch wins for the shared target.
	assert.Equal(t, SourceMessaging, byTarget["b"].Metadata.Source)
	assert.InDelta(t, 0.4, byTarget["b"].Metadata.Confidence, 1e-9)

	// Existing order is preserved.
	assert.Equal(t, "a", merged[0].ShardID)
	assert.Equal(t, "b", merged[1].ShardID)
	assert.Equal(t, "c", merged[2].ShardID)
}

func TestMergeRelationshipsIncomingOnly(t *testing.T) {
	merged := MergeRelationships(nil, []Relationship{edge("x", 0.6, SourceLLM)})
	require.Len(t, merged, 1)
	assert.Equal(t, "x", merged[0].ShardID)
}

func TestMergeRelationshipsDuplicateIncoming(t *testing.T) {
	incoming := []Relationship{
		edge("x", 0.2, SourceLLM),
		edge("x", 0.7, SourceLLM),
	}
	merged := MergeRelationships(nil, incoming)
	require.Len(t, merged, 1)
	assert.InDelta(t, 0.7, merged[0].Metadata.Confidence, 1e-9)
}

func TestScaleConfidence(t *testing.T) {
	// An LLM-extracted candidate with model confidence 0.8 lands at 0.48.
	assert.InDelta(t, 0.48, ScaleConfidence(SourceLLM, 0.8), 1e-9)
	assert.InDelta(t, 0.9, ScaleConfidence(SourceCRM, 1.0), 1e-9)
	assert.InDelta(t, 1.0, ScaleConfidence(SourceManual, 1.0), 1e-9)
	assert.InDelta(t, 0.25, ScaleConfidence(SourceMessaging, 0.5), 1e-9)

	// Unknown sources fall back to the most conservative multiplier.
	assert.InDelta(t, 0.5, ScaleConfidence(Source("carrier-pigeon"), 1.0), 1e-9)

	// Out-of-range extractor output is clamped.
	assert.Equal(t, 0.0, ScaleConfidence(SourceLLM, -1))
	assert.Equal(t, 1.0, ScaleConfidence(SourceManual, 5))
}
