package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/jobs"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/storage"
	"github.com/quarrylabs/quarry/storage/badger"
)

func newShards(t *testing.T) storage.ShardRepository {
	t.Helper()
	shards, _, backend, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return shards
}

func riskJob(t *testing.T, tenantID, oppID string) queue.Job {
	t.Helper()
	job, err := queue.NewJob(jobs.QueueRisk, tenantID, oppID, jobs.RiskPayload{
		OpportunityID: oppID,
		ActorID:       "user-7",
		Options:       map[string]any{"trigger": "created"},
	})
	require.NoError(t, err)
	return job
}

type fixedScorer struct {
	score float64
	err   error
}

func (s fixedScorer) Score(ctx context.Context, opportunity *core.Shard, options map[string]any) (float64, error) {
	return s.score, s.err
}

func TestScoreIsRecordedOnTheOpportunity(t *testing.T) {
	shards := newShards(t)
	ctx := context.Background()

	opp, err := shards.CreateShard(ctx, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeOpportunity,
		Name:     "Globex expansion",
	})
	require.NoError(t, err)

	e := New(shards, fixedScorer{score: 0.35})
	require.NoError(t, e.Handle(ctx, riskJob(t, "tenant-1", opp.ID)))

	updated, err := shards.GetShard(ctx, "tenant-1", opp.ID)
	require.NoError(t, err)
	score, ok := updated.NumberField(core.FieldRiskScore)
	require.True(t, ok)
	assert.InDelta(t, 0.35, score, 1e-9)
	assert.Greater(t, updated.RevisionNumber, opp.RevisionNumber)
}

func TestMissingOpportunityIsDropped(t *testing.T) {
	e := New(newShards(t), fixedScorer{score: 0.5})
	assert.NoError(t, e.Handle(context.Background(), riskJob(t, "tenant-1", "opp-gone")))
}

func TestScorerFailureIsRetryable(t *testing.T) {
	shards := newShards(t)
	ctx := context.Background()

	opp, err := shards.CreateShard(ctx, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeOpportunity,
		Name:     "Globex expansion",
	})
	require.NoError(t, err)

	e := New(shards, fixedScorer{err: errors.New("scoring service down")})
	require.Error(t, e.Handle(ctx, riskJob(t, "tenant-1", opp.ID)))

	updated, err := shards.GetShard(ctx, "tenant-1", opp.ID)
	require.NoError(t, err)
	_, ok := updated.NumberField(core.FieldRiskScore)
	assert.False(t, ok, "no partial score on failure")
}

func TestNonOpportunityRecordIsSkipped(t *testing.T) {
	shards := newShards(t)
	ctx := context.Background()

	doc, err := shards.CreateShard(ctx, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeDocument,
		Name:     "notes.txt",
	})
	require.NoError(t, err)

	e := New(shards, fixedScorer{score: 0.9})
	require.NoError(t, e.Handle(ctx, riskJob(t, "tenant-1", doc.ID)))

	updated, err := shards.GetShard(ctx, "tenant-1", doc.ID)
	require.NoError(t, err)
	_, ok := updated.NumberField(core.FieldRiskScore)
	assert.False(t, ok)
}

func TestHeuristicScorer(t *testing.T) {
	ctx := context.Background()
	scorer := HeuristicScorer{}

	bare := &core.Shard{Type: core.ShardTypeOpportunity}
	score, err := scorer.Score(ctx, bare, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, score, 1e-9)

	linked := &core.Shard{
		Type: core.ShardTypeOpportunity,
		InternalRelationships: []core.Relationship{
			{ShardID: "acct-1", ShardType: core.ShardTypeAccount},
		},
		StructuredData: map[string]any{core.FieldDescription: "renewal for Globex"},
	}
	score, err = scorer.Score(ctx, linked, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, score, 1e-9)
}
