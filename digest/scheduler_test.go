package digest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/storage"
	"github.com/quarrylabs/quarry/storage/badger"
)

type recordingDispatcher struct {
	failFor  map[string]bool
	received []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, digest *core.Digest, content string) error {
	if d.failFor[digest.UserID] {
		return errors.New("delivery channel rejected digest")
	}
	d.received = append(d.received, digest.ID)
	return nil
}

func newRepo(t *testing.T) storage.DigestRepository {
	t.Helper()
	_, digests, backend, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return digests
}

func dueDigest(userID string, due time.Time) *core.Digest {
	return &core.Digest{
		TenantID:    "tenant-1",
		UserID:      userID,
		PeriodStart: due.Add(-24 * time.Hour),
		PeriodEnd:   due,
		Status:      core.DigestPending,
	}
}

func TestOneFailingDigestDoesNotBlockTheBatch(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	stored, err := repo.AddDigests(ctx,
		dueDigest("user-1", past),
		dueDigest("user-2", past.Add(time.Minute)),
		dueDigest("user-3", past.Add(2*time.Minute)),
	)
	require.NoError(t, err)

	dispatcher := &recordingDispatcher{failFor: map[string]bool{"user-2": true}}
	s := New(repo, dispatcher)
	s.Tick(ctx)

	assert.Len(t, dispatcher.received, 2)

	d1, err := repo.GetDigest(ctx, "tenant-1", stored[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.DigestSent, d1.Status)
	assert.NotNil(t, d1.SentAt)

	d2, err := repo.GetDigest(ctx, "tenant-1", stored[1].ID)
	require.NoError(t, err)
	assert.Equal(t, core.DigestFailed, d2.Status)
	assert.NotEmpty(t, d2.FailureReason)

	d3, err := repo.GetDigest(ctx, "tenant-1", stored[2].ID)
	require.NoError(t, err)
	assert.Equal(t, core.DigestSent, d3.Status)
}

func TestTickRespectsBatchSize(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		_, err := repo.AddDigests(ctx, dueDigest("user", past.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	dispatcher := &recordingDispatcher{}
	s := New(repo, dispatcher, WithBatchSize(2))

	s.Tick(ctx)
	assert.Len(t, dispatcher.received, 2, "one tick processes at most the batch size")

	s.Tick(ctx)
	s.Tick(ctx)
	assert.Len(t, dispatcher.received, 5, "subsequent ticks drain the rest")
}

func TestFutureDigestsAreLeftAlone(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	stored, err := repo.AddDigests(ctx, dueDigest("user-1", time.Now().UTC().Add(time.Hour)))
	require.NoError(t, err)

	dispatcher := &recordingDispatcher{}
	New(repo, dispatcher).Tick(ctx)

	assert.Empty(t, dispatcher.received)
	d, err := repo.GetDigest(ctx, "tenant-1", stored[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.DigestPending, d.Status)
}

func TestTerminalDigestsAreNotReprocessed(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	_, err := repo.AddDigests(ctx, dueDigest("user-1", past))
	require.NoError(t, err)

	dispatcher := &recordingDispatcher{}
	s := New(repo, dispatcher)
	s.Tick(ctx)
	s.Tick(ctx)

	assert.Len(t, dispatcher.received, 1, "a sent digest must not be dispatched again")
}

type fixedStore struct {
	items []Notification
}

func (f fixedStore) Notifications(ctx context.Context, tenantID string, ids []string) ([]Notification, error) {
	return f.items, nil
}

type captureDispatcher struct {
	content string
}

func (c *captureDispatcher) Dispatch(ctx context.Context, d *core.Digest, content string) error {
	c.content = content
	return nil
}

func TestDigestContentCompiledFromNotifications(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	d := dueDigest("user-1", time.Now().UTC().Add(-time.Hour))
	d.NotificationIDs = []string{"n-1", "n-2"}
	_, err := repo.AddDigests(ctx, d)
	require.NoError(t, err)

	dispatcher := &captureDispatcher{}
	s := New(repo, dispatcher, WithNotificationStore(fixedStore{items: []Notification{
		{ID: "n-1", Subject: "Document promoted"},
		{ID: "n-2", Subject: "Opportunity linked", Body: "Globex expansion"},
	}}))
	s.Tick(ctx)

	assert.Contains(t, dispatcher.content, "Document promoted")
	assert.Contains(t, dispatcher.content, "Globex expansion")
}
