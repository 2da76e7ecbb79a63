package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/quarrylabs/quarry/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestPutGetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte("upload bytes")
	if err := store.Put(ctx, storage.ContainerQuarantine, "t1/doc-1.pdf", data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, storage.ContainerQuarantine, "t1/doc-1.pdf")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "upload bytes" {
		t.Fatalf("Unexpected data %q", got)
	}

	if err := store.Delete(ctx, storage.ContainerQuarantine, "t1/doc-1.pdf"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, storage.ContainerQuarantine, "t1/doc-1.pdf"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	// Double delete is fine.
	if err := store.Delete(ctx, storage.ContainerQuarantine, "t1/doc-1.pdf"); err != nil {
		t.Fatalf("Second delete failed: %v", err)
	}
}

func TestContainerIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, storage.ContainerQuarantine, "t1/doc.pdf", []byte("x")); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, storage.ContainerPermanent, "t1/doc.pdf"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Containers must be isolated, got %v", err)
	}
}

func TestCopyAcrossContainers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, storage.ContainerQuarantine, "t1/doc.pdf", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := store.Copy(ctx, storage.ContainerQuarantine, "t1/doc.pdf", storage.ContainerPermanent, "t1/doc.pdf"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	got, err := store.Get(ctx, storage.ContainerPermanent, "t1/doc.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("Unexpected data %q", got)
	}

	ok, err := store.Exists(ctx, storage.ContainerQuarantine, "t1/doc.pdf")
	if err != nil || !ok {
		t.Fatalf("Source must survive a copy: %v %v", ok, err)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, path := range []string{"../escape", "..", "/abs/path", ""} {
		if err := store.Put(ctx, storage.ContainerQuarantine, path, []byte("x")); !errors.Is(err, storage.ErrInvalidPath) {
			t.Fatalf("Path %q must be rejected, got %v", path, err)
		}
	}
}
