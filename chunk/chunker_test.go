package chunk

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/jobs"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/queue/badgerq"
	"github.com/quarrylabs/quarry/storage"
	"github.com/quarrylabs/quarry/storage/badger"
	"github.com/quarrylabs/quarry/storage/blob"
)

type fixture struct {
	chunker *Chunker
	shards  storage.ShardRepository
	objects storage.ObjectStore
	broker  queue.Broker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	shards, _, backend, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	objects, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	broker, err := badgerq.New(backend, jobs.AllQueues())
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })

	return &fixture{
		chunker: New(shards, objects, broker, opts...),
		shards:  shards,
		objects: objects,
		broker:  broker,
	}
}

// promoted stages a document record that already passed the gate.
func (f *fixture) promoted(t *testing.T, tenantID, path string, body []byte, contentType string) *core.Shard {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.objects.Put(ctx, storage.ContainerPermanent, path, body))

	doc := &core.Shard{
		TenantID: tenantID,
		Type:     core.ShardTypeDocument,
		Name:     path,
		StructuredData: map[string]any{
			core.FieldStoragePath: path,
			core.FieldContentType: contentType,
			core.FieldScanStatus:  core.ScanStatusClean,
		},
	}
	_, err := f.shards.CreateShard(ctx, doc)
	require.NoError(t, err)
	return doc
}

func (f *fixture) chunkJob(t *testing.T, doc *core.Shard, contentType string) queue.Job {
	t.Helper()
	job, err := queue.NewJob(jobs.QueueChunk, doc.TenantID, doc.ID, jobs.ChunkPayload{ContentType: contentType})
	require.NoError(t, err)
	return job
}

func (f *fixture) chunksOf(t *testing.T, tenantID, parentID string) []*core.Shard {
	t.Helper()
	all, err := f.shards.ShardsByType(context.Background(), tenantID, core.ShardTypeChunk, 100)
	require.NoError(t, err)

	var mine []*core.Shard
	for _, s := range all {
		if pid, _ := s.StringField(core.FieldParentDocument); pid == parentID {
			mine = append(mine, s)
		}
	}
	sort.Slice(mine, func(i, j int) bool {
		a, _ := mine[i].NumberField(core.FieldSequence)
		b, _ := mine[j].NumberField(core.FieldSequence)
		return a < b
	})
	return mine
}

func TestChunkingPersistsOrderedChunks(t *testing.T) {
	f := newFixture(t, WithChunkSizes(80, 160))
	ctx := context.Background()

	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("A sentence with enough words to matter goes here. ")
	}
	doc := f.promoted(t, "tenant-1", "notes.txt", []byte(sb.String()), "text/plain")

	require.NoError(t, f.chunker.Handle(ctx, f.chunkJob(t, doc, "text/plain")))

	chunks := f.chunksOf(t, "tenant-1", doc.ID)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		seq, ok := c.NumberField(core.FieldSequence)
		require.True(t, ok)
		assert.EqualValues(t, i, seq, "sequence order must be explicit metadata")
		text, _ := c.StringField(core.FieldText)
		assert.NotEmpty(t, text)
	}

	// Parent tracks completion via the counter, and one embed job exists
	// per chunk.
	updated, err := f.shards.GetShard(ctx, "tenant-1", doc.ID)
	require.NoError(t, err)
	pending, _ := updated.NumberField(core.FieldPendingChunks)
	assert.EqualValues(t, len(chunks), pending)
	status, _ := updated.StringField(core.FieldEmbeddingStatus)
	assert.Equal(t, core.EmbeddingStatusEmbedding, status)

	depth, err := f.broker.Depth(ctx, jobs.QueueEmbed)
	require.NoError(t, err)
	assert.Equal(t, len(chunks), depth)
}

func TestRechunkingIsIdempotent(t *testing.T) {
	f := newFixture(t, WithChunkSizes(80, 160))
	ctx := context.Background()

	body := []byte(strings.Repeat("Same text every time, chunk identity must hold. ", 8))
	doc := f.promoted(t, "tenant-1", "stable.txt", body, "text/plain")
	job := f.chunkJob(t, doc, "text/plain")

	require.NoError(t, f.chunker.Handle(ctx, job))
	first := f.chunksOf(t, "tenant-1", doc.ID)

	require.NoError(t, f.chunker.Handle(ctx, job))
	second := f.chunksOf(t, "tenant-1", doc.ID)

	require.Equal(t, len(first), len(second), "re-chunking must not duplicate chunks")
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestRedeliveryKeepsEmbeddedChunks(t *testing.T) {
	f := newFixture(t, WithChunkSizes(80, 160))
	ctx := context.Background()

	body := []byte(strings.Repeat("Same text every time, chunk identity must hold. ", 8))
	doc := f.promoted(t, "tenant-1", "stable.txt", body, "text/plain")
	job := f.chunkJob(t, doc, "text/plain")

	require.NoError(t, f.chunker.Handle(ctx, job))
	chunks := f.chunksOf(t, "tenant-1", doc.ID)
	require.Greater(t, len(chunks), 1)

	// One embed job already finished before the redelivery arrives.
	vec := []float32{0.1, 0.2, 0.3}
	_, err := storage.UpdateShard(ctx, f.shards, "tenant-1", chunks[0].ID, func(s *core.Shard) error {
		s.Vector = vec
		return nil
	})
	require.NoError(t, err)

	depthBefore, err := f.broker.Depth(ctx, jobs.QueueEmbed)
	require.NoError(t, err)

	require.NoError(t, f.chunker.Handle(ctx, job))

	// The embedded chunk keeps its vector; the counter and the fresh embed
	// jobs cover only the rest.
	again, err := f.shards.GetShard(ctx, "tenant-1", chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, vec, again.Vector)

	updated, err := f.shards.GetShard(ctx, "tenant-1", doc.ID)
	require.NoError(t, err)
	pending, _ := updated.NumberField(core.FieldPendingChunks)
	assert.EqualValues(t, len(chunks)-1, pending)
	status, _ := updated.StringField(core.FieldEmbeddingStatus)
	assert.Equal(t, core.EmbeddingStatusEmbedding, status)

	depthAfter, err := f.broker.Depth(ctx, jobs.QueueEmbed)
	require.NoError(t, err)
	assert.Equal(t, depthBefore+len(chunks)-1, depthAfter)
}

func TestRedeliveryWithAllChunksEmbeddedCompletes(t *testing.T) {
	f := newFixture(t, WithChunkSizes(80, 160))
	ctx := context.Background()

	body := []byte(strings.Repeat("Same text every time, chunk identity must hold. ", 8))
	doc := f.promoted(t, "tenant-1", "stable.txt", body, "text/plain")
	job := f.chunkJob(t, doc, "text/plain")

	require.NoError(t, f.chunker.Handle(ctx, job))
	chunks := f.chunksOf(t, "tenant-1", doc.ID)
	for _, c := range chunks {
		_, err := storage.UpdateShard(ctx, f.shards, "tenant-1", c.ID, func(s *core.Shard) error {
			s.Vector = []float32{1}
			return nil
		})
		require.NoError(t, err)
	}
	depthBefore, err := f.broker.Depth(ctx, jobs.QueueEmbed)
	require.NoError(t, err)

	require.NoError(t, f.chunker.Handle(ctx, job))

	updated, err := f.shards.GetShard(ctx, "tenant-1", doc.ID)
	require.NoError(t, err)
	pending, _ := updated.NumberField(core.FieldPendingChunks)
	assert.Zero(t, pending)
	status, _ := updated.StringField(core.FieldEmbeddingStatus)
	assert.Equal(t, core.EmbeddingStatusComplete, status)

	depthAfter, err := f.broker.Depth(ctx, jobs.QueueEmbed)
	require.NoError(t, err)
	assert.Equal(t, depthBefore, depthAfter, "nothing left to embed")
}

func TestUnsupportedFormatIsTerminalSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.promoted(t, "tenant-1", "scan.pdf", []byte("%PDF-1.7 binary"), "application/pdf")
	require.NoError(t, f.chunker.Handle(ctx, f.chunkJob(t, doc, "application/pdf")))

	updated, err := f.shards.GetShard(ctx, "tenant-1", doc.ID)
	require.NoError(t, err)
	status, _ := updated.StringField(core.FieldEmbeddingStatus)
	assert.Equal(t, core.EmbeddingStatusSkipped, status)

	assert.Empty(t, f.chunksOf(t, "tenant-1", doc.ID), "no partial chunk set on extraction failure")
	depth, err := f.broker.Depth(ctx, jobs.QueueEmbed)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestEmptyDocumentSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.promoted(t, "tenant-1", "empty.txt", []byte("   \n\n  "), "text/plain")
	require.NoError(t, f.chunker.Handle(ctx, f.chunkJob(t, doc, "text/plain")))

	updated, err := f.shards.GetShard(ctx, "tenant-1", doc.ID)
	require.NoError(t, err)
	status, _ := updated.StringField(core.FieldEmbeddingStatus)
	assert.Equal(t, core.EmbeddingStatusSkipped, status)
}

func TestMissingDocumentDropsJob(t *testing.T) {
	f := newFixture(t)
	job, err := queue.NewJob(jobs.QueueChunk, "tenant-1", "no-such-shard", jobs.ChunkPayload{})
	require.NoError(t, err)
	assert.NoError(t, f.chunker.Handle(context.Background(), job))
}
