package autolink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/audit"
	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/jobs"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/queue/badgerq"
	"github.com/quarrylabs/quarry/storage"
	"github.com/quarrylabs/quarry/storage/badger"
)

type fixture struct {
	shards storage.ShardRepository
	broker queue.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	shards, _, backend, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	broker, err := badgerq.New(backend, jobs.AllQueues())
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })

	return &fixture{shards: shards, broker: broker}
}

func (f *fixture) create(t *testing.T, shard *core.Shard) *core.Shard {
	t.Helper()
	created, err := f.shards.CreateShard(context.Background(), shard)
	require.NoError(t, err)
	return created
}

func createdEvent(t *testing.T, record *core.Shard, queueName string, revision int64) queue.Job {
	t.Helper()
	job, err := queue.NewJob(queueName, record.TenantID, record.ID, jobs.RecordEventPayload{
		RevisionNumber: revision,
		ActorID:        "user-7",
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) reload(t *testing.T, tenantID, id string) *core.Shard {
	t.Helper()
	shard, err := f.shards.GetShard(context.Background(), tenantID, id)
	require.NoError(t, err)
	return shard
}

func TestParticipantOverlapLinksToProject(t *testing.T) {
	f := newFixture(t)
	linker := NewProjectLinker(f.shards, f.broker, WithAuditSink(audit.Nop{}))

	project := f.create(t, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeProject,
		Name:     "Apollo rollout",
		StructuredData: map[string]any{
			core.FieldParticipants: []string{"ana@example.com", "ben@example.com", "cam@example.com"},
		},
	})
	channel := f.create(t, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeChannel,
		Name:     "#apollo-rollout",
		StructuredData: map[string]any{
			core.FieldParticipants: []string{"ana@example.com", "ben@example.com"},
		},
	})

	require.NoError(t, linker.Handle(context.Background(), createdEvent(t, channel, jobs.QueueLinkProject, 1)))

	updated := f.reload(t, "tenant-1", channel.ID)
	require.Len(t, updated.InternalRelationships, 1)
	edge := updated.InternalRelationships[0]
	assert.Equal(t, project.ID, edge.ShardID)
	assert.Equal(t, core.SourceMessaging, edge.Metadata.Source)
	assert.Equal(t, "heuristic", edge.Metadata.ExtractionMethod)
	assert.Greater(t, edge.Metadata.Confidence, 0.0)
}

func TestNonFirstRevisionPerformsNoWrites(t *testing.T) {
	f := newFixture(t)
	linker := NewProjectLinker(f.shards, f.broker, WithAuditSink(audit.Nop{}))

	f.create(t, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeProject,
		Name:     "Apollo rollout",
		StructuredData: map[string]any{
			core.FieldParticipants: []string{"ana@example.com"},
		},
	})
	channel := f.create(t, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeChannel,
		Name:     "#apollo-rollout",
		StructuredData: map[string]any{
			core.FieldParticipants: []string{"ana@example.com"},
		},
	})
	before := f.reload(t, "tenant-1", channel.ID)

	require.NoError(t, linker.Handle(context.Background(), createdEvent(t, channel, jobs.QueueLinkProject, 2)))

	after := f.reload(t, "tenant-1", channel.ID)
	assert.Empty(t, after.InternalRelationships)
	assert.Equal(t, before.RevisionNumber, after.RevisionNumber, "edit events must not touch the record")
	assert.Equal(t, before.RevisionID, after.RevisionID)
}

func TestUnrelatedRecordsAreNotLinked(t *testing.T) {
	f := newFixture(t)
	linker := NewProjectLinker(f.shards, f.broker, WithAuditSink(audit.Nop{}))

	f.create(t, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeProject,
		Name:     "Payroll migration",
		StructuredData: map[string]any{
			core.FieldParticipants: []string{"zoe@example.com"},
		},
	})
	doc := f.create(t, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeDocument,
		Name:     "Quarterly offsite agenda",
		StructuredData: map[string]any{
			core.FieldParticipants: []string{"ana@example.com"},
		},
	})

	require.NoError(t, linker.Handle(context.Background(), createdEvent(t, doc, jobs.QueueLinkProject, 1)))
	assert.Empty(t, f.reload(t, "tenant-1", doc.ID).InternalRelationships)
}

func TestOpportunityRecordTriggersRiskEvaluation(t *testing.T) {
	f := newFixture(t)
	linker := NewOpportunityLinker(f.shards, f.broker, WithAuditSink(audit.Nop{}))
	ctx := context.Background()

	opp := f.create(t, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeOpportunity,
		Name:     "Globex expansion",
	})

	require.NoError(t, linker.Handle(ctx, createdEvent(t, opp, jobs.QueueLinkOpportunity, 1)))

	d, err := f.broker.Reserve(ctx, jobs.QueueRisk)
	require.NoError(t, err)
	var payload jobs.RiskPayload
	require.NoError(t, jsonUnmarshal(d.Job.Payload, &payload))
	assert.Equal(t, opp.ID, payload.OpportunityID)
	assert.Equal(t, "user-7", payload.ActorID)
	assert.Equal(t, "tenant-1", d.Job.TenantID)
	assert.NotEmpty(t, payload.Options)
}

func TestNonOpportunityRecordDoesNotTriggerRisk(t *testing.T) {
	f := newFixture(t)
	linker := NewOpportunityLinker(f.shards, f.broker, WithAuditSink(audit.Nop{}))
	ctx := context.Background()

	doc := f.create(t, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeDocument,
		Name:     "notes.txt",
	})
	require.NoError(t, linker.Handle(ctx, createdEvent(t, doc, jobs.QueueLinkOpportunity, 1)))

	depth, err := f.broker.Depth(ctx, jobs.QueueRisk)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

// failingBroker rejects every enqueue, standing in for a broker outage.
type failingBroker struct {
	queue.Broker
}

func (f *failingBroker) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	return "", errors.New("broker unavailable")
}

func TestRiskEnqueueFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	linker := NewOpportunityLinker(f.shards, &failingBroker{Broker: f.broker}, WithAuditSink(audit.Nop{}))

	opp := f.create(t, &core.Shard{
		TenantID: "tenant-1",
		Type:     core.ShardTypeOpportunity,
		Name:     "Globex expansion",
	})

	// The side effect fails; the primary linking job must still succeed.
	assert.NoError(t, linker.Handle(context.Background(), createdEvent(t, opp, jobs.QueueLinkOpportunity, 1)))
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
