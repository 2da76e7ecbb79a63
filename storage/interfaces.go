package storage

import (
	"context"
	"time"

	"github.com/quarrylabs/quarry/core"
)

// Object store container names. Uploads land in quarantine and are promoted
// to permanent only after the security gate clears them.
const (
	ContainerQuarantine = "quarantine"
	ContainerPermanent  = "permanent"
)

// ShardRepository provides tenant-partitioned access to shards. Every
// operation is scoped by tenant ID; implementations must reject tenant-less
// access rather than fall back to a full scan.
type ShardRepository interface {
	// CreateShard stores a shard. A missing ID is generated; RevisionNumber
	// is forced to 1 and a fresh RevisionID is assigned. Writing an ID that
	// already exists overwrites it, which deterministic-ID producers (chunk
	// shards) rely on for idempotent retries.
	CreateShard(ctx context.Context, shard *core.Shard) (*core.Shard, error)

	// GetShard retrieves a shard by (tenant, id).
	// Returns ErrNotFound if it doesn't exist.
	GetShard(ctx context.Context, tenantID, id string) (*core.Shard, error)

	// ReplaceShard conditionally replaces a shard. The write succeeds only
	// if the stored RevisionNumber equals expectedRevision; otherwise
	// ErrRevisionConflict is returned and the caller must re-read and retry.
	// On success the revision number is bumped and a new RevisionID assigned.
	ReplaceShard(ctx context.Context, shard *core.Shard, expectedRevision int64) (*core.Shard, error)

	// DeleteShard removes a shard and its index entries.
	DeleteShard(ctx context.Context, tenantID, id string) error

	// ShardsByType queries shards of one type within a tenant partition,
	// up to limit results.
	ShardsByType(ctx context.Context, tenantID string, shardType core.ShardType, limit int) ([]*core.Shard, error)

	// FindByExternalID looks up the shard registered under an external
	// identifier (e.g. a CRM account id) within a tenant.
	// Returns ErrNotFound if no shard claims the identifier.
	FindByExternalID(ctx context.Context, tenantID, externalID string) (*core.Shard, error)

	// Ping reports whether the underlying store is reachable.
	Ping(ctx context.Context) error

	// Close closes the repository and releases resources.
	Close() error
}

// DigestRepository stores pending notification digests and serves the
// scheduler's due-query.
type DigestRepository interface {
	// AddDigests stores one or more digests. Missing IDs are generated and
	// CreatedAt is set if zero.
	AddDigests(ctx context.Context, digests ...*core.Digest) ([]*core.Digest, error)

	// GetDigest retrieves a digest by (tenant, id).
	GetDigest(ctx context.Context, tenantID, id string) (*core.Digest, error)

	// DuePending returns pending digests whose PeriodEnd has passed,
	// ordered by due time, capped at limit.
	DuePending(ctx context.Context, before time.Time, limit int) ([]*core.Digest, error)

	// MarkSent transitions a digest to its terminal sent state.
	MarkSent(ctx context.Context, tenantID, id string, at time.Time) error

	// MarkFailed transitions a digest to its terminal failed state.
	MarkFailed(ctx context.Context, tenantID, id string, reason string) error

	// Close closes the repository and releases resources.
	Close() error
}

// ObjectStore stores binary blobs in logically isolated containers.
// Objects are never mutated in place: they are created, copied, or deleted.
type ObjectStore interface {
	Get(ctx context.Context, container, path string) ([]byte, error)
	Put(ctx context.Context, container, path string, data []byte) error
	Delete(ctx context.Context, container, path string) error
	Copy(ctx context.Context, srcContainer, srcPath, dstContainer, dstPath string) error
	Exists(ctx context.Context, container, path string) (bool, error)
}
