package gate

import (
	"bytes"
	"context"
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
	"github.com/quarrylabs/quarry/storage/blob"
)

type stubScanner struct {
	result ScanResult
	err    error
	calls  int
}

func (s *stubScanner) Scan(ctx context.Context, data []byte) (ScanResult, error) {
	s.calls++
	return s.result, s.err
}

type gateFixture struct {
	gate    *Gate
	shards  storage.ShardRepository
	objects storage.ObjectStore
	broker  queue.Broker
	scanner *stubScanner
}

func newFixture(t *testing.T, opts ...Option) *gateFixture {
	t.Helper()
	shards, _, backend, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	objects, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	broker, err := badgerq.New(backend, jobs.AllQueues())
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })

	scanner := &stubScanner{result: ScanResult{Clean: true}}
	return &gateFixture{
		gate:    New(shards, objects, scanner, broker, append([]Option{WithAuditSink(audit.Nop{})}, opts...)...),
		shards:  shards,
		objects: objects,
		broker:  broker,
		scanner: scanner,
	}
}

// upload stages a document record plus its quarantine object and returns the
// gate job for it.
func (f *gateFixture) upload(t *testing.T, tenantID, path string, data []byte, declaredType string) queue.Job {
	t.Helper()
	require.NoError(t, f.objects.Put(context.Background(), storage.ContainerQuarantine, path, data))

	doc := &core.Shard{
		TenantID: tenantID,
		Type:     core.ShardTypeDocument,
		Name:     path,
	}
	_, err := f.shards.CreateShard(context.Background(), doc)
	require.NoError(t, err)

	job, err := queue.NewJob(jobs.QueueGate, tenantID, doc.ID, jobs.GatePayload{
		Path:         path,
		DeclaredType: declaredType,
		DeclaredSize: int64(len(data)),
	})
	require.NoError(t, err)
	return job
}

func (f *gateFixture) document(t *testing.T, tenantID, id string) *core.Shard {
	t.Helper()
	doc, err := f.shards.GetShard(context.Background(), tenantID, id)
	require.NoError(t, err)
	return doc
}

func TestCleanUploadIsPromoted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := []byte("%PDF-1.7 fake pdf body")
	job := f.upload(t, "tenant-1", "reports/q3.pdf", data, "application/pdf")

	require.NoError(t, f.gate.Handle(ctx, job))

	doc := f.document(t, "tenant-1", job.ShardID)
	path, _ := doc.StringField(core.FieldStoragePath)
	assert.Equal(t, "reports/q3.pdf", path)
	status, _ := doc.StringField(core.FieldScanStatus)
	assert.Equal(t, core.ScanStatusClean, status)
	ct, _ := doc.StringField(core.FieldContentType)
	assert.Equal(t, "application/pdf", ct)

	// Exactly one copy left, in the permanent container.
	inQuarantine, err := f.objects.Exists(ctx, storage.ContainerQuarantine, "reports/q3.pdf")
	require.NoError(t, err)
	assert.False(t, inQuarantine)
	promoted, err := f.objects.Get(ctx, storage.ContainerPermanent, "reports/q3.pdf")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, promoted))

	// The chunking stage got the handoff.
	depth, err := f.broker.Depth(ctx, jobs.QueueChunk)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestExactCeilingAcceptedOneByteOverRejected(t *testing.T) {
	ctx := context.Background()
	atLimit := append([]byte("%PDF"), bytes.Repeat([]byte("x"), 96)...) // exactly 100 bytes

	f := newFixture(t, WithMaxSizeBytes(100))
	job := f.upload(t, "tenant-1", "at-limit.pdf", atLimit, "application/pdf")
	require.NoError(t, f.gate.Handle(ctx, job))
	doc := f.document(t, "tenant-1", job.ShardID)
	status, _ := doc.StringField(core.FieldScanStatus)
	assert.Equal(t, core.ScanStatusClean, status)

	overLimit := append(atLimit, 'x')
	job = f.upload(t, "tenant-1", "over-limit.pdf", overLimit, "application/pdf")
	require.NoError(t, f.gate.Handle(ctx, job))

	doc = f.document(t, "tenant-1", job.ShardID)
	_, hasPath := doc.StringField(core.FieldStoragePath)
	assert.False(t, hasPath, "rejected document must not get a storagePath")
	status, _ = doc.StringField(core.FieldScanStatus)
	assert.Equal(t, core.ScanStatusRejected, status)
	reason, _ := doc.StringField(core.FieldScanReason)
	assert.Equal(t, ReasonSizeExceeded, reason)

	inQuarantine, err := f.objects.Exists(ctx, storage.ContainerQuarantine, "over-limit.pdf")
	require.NoError(t, err)
	assert.False(t, inQuarantine, "rejected object must be deleted from quarantine")
	inPermanent, err := f.objects.Exists(ctx, storage.ContainerPermanent, "over-limit.pdf")
	require.NoError(t, err)
	assert.False(t, inPermanent)
}

type countingObjects struct {
	storage.ObjectStore
	gets int
}

func (c *countingObjects) Get(ctx context.Context, container, path string) ([]byte, error) {
	c.gets++
	return c.ObjectStore.Get(ctx, container, path)
}

func TestOversizedDeclarationRejectedWithoutFetch(t *testing.T) {
	f := newFixture(t)
	counting := &countingObjects{ObjectStore: f.objects}
	g := New(f.shards, counting, f.scanner, f.broker,
		WithMaxSizeBytes(100), WithAuditSink(audit.Nop{}))
	ctx := context.Background()

	data := append([]byte("%PDF"), bytes.Repeat([]byte("x"), 196)...)
	job := f.upload(t, "tenant-1", "huge.pdf", data, "application/pdf")

	require.NoError(t, g.Handle(ctx, job))

	doc := f.document(t, "tenant-1", job.ShardID)
	status, _ := doc.StringField(core.FieldScanStatus)
	assert.Equal(t, core.ScanStatusRejected, status)
	reason, _ := doc.StringField(core.FieldScanReason)
	assert.Equal(t, ReasonSizeExceeded, reason)
	assert.Zero(t, counting.gets, "declared size alone must reject the upload")

	inQuarantine, err := f.objects.Exists(ctx, storage.ContainerQuarantine, "huge.pdf")
	require.NoError(t, err)
	assert.False(t, inQuarantine)
}

func TestDisallowedSignatureRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// ELF header: not on the allow-list.
	job := f.upload(t, "tenant-1", "sneaky.bin", []byte{0x7F, 'E', 'L', 'F', 0x02, 0x01}, "text/plain")
	require.NoError(t, f.gate.Handle(ctx, job))

	doc := f.document(t, "tenant-1", job.ShardID)
	reason, _ := doc.StringField(core.FieldScanReason)
	assert.Equal(t, ReasonTypeNotAllowed, reason)
	assert.Zero(t, f.scanner.calls, "disallowed type must not reach the scanner")
}

func TestThreatRejected(t *testing.T) {
	f := newFixture(t)
	f.scanner.result = ScanResult{Clean: false, Threat: "EICAR-Test-File"}
	ctx := context.Background()

	job := f.upload(t, "tenant-1", "virus.pdf", []byte("%PDF evil"), "application/pdf")
	require.NoError(t, f.gate.Handle(ctx, job))

	doc := f.document(t, "tenant-1", job.ShardID)
	reason, _ := doc.StringField(core.FieldScanReason)
	assert.Equal(t, ReasonThreatDetected, reason)
	inQuarantine, err := f.objects.Exists(ctx, storage.ContainerQuarantine, "virus.pdf")
	require.NoError(t, err)
	assert.False(t, inQuarantine)
}

func TestScannerOutageIsRetryable(t *testing.T) {
	f := newFixture(t, WithScanAttempts(2))
	f.scanner.err = errors.New("scanner unavailable")
	ctx := context.Background()

	job := f.upload(t, "tenant-1", "doc.pdf", []byte("%PDF body"), "application/pdf")
	err := f.gate.Handle(ctx, job)
	require.Error(t, err, "infrastructure failure must surface for queue retry")
	assert.Equal(t, 2, f.scanner.calls)

	// Still quarantined, untouched, ready for redelivery.
	inQuarantine, qErr := f.objects.Exists(ctx, storage.ContainerQuarantine, "doc.pdf")
	require.NoError(t, qErr)
	assert.True(t, inQuarantine)
	doc := f.document(t, "tenant-1", job.ShardID)
	_, hasStatus := doc.StringField(core.FieldScanStatus)
	assert.False(t, hasStatus)
}

func TestRedeliveryAfterPromotionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.upload(t, "tenant-1", "doc.pdf", []byte("%PDF body"), "application/pdf")
	require.NoError(t, f.gate.Handle(ctx, job))
	require.NoError(t, f.gate.Handle(ctx, job))

	// The second delivery must not enqueue a second chunk job.
	depth, err := f.broker.Depth(ctx, jobs.QueueChunk)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestTenantScopedLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.upload(t, "tenant-1", "doc.pdf", []byte("%PDF body"), "application/pdf")
	job.TenantID = "tenant-2"

	// The record is invisible from another tenant; the job is dropped, not
	// processed against tenant-1's data.
	require.NoError(t, f.gate.Handle(ctx, job))
	doc := f.document(t, "tenant-1", job.ShardID)
	_, hasPath := doc.StringField(core.FieldStoragePath)
	assert.False(t, hasPath)
}
