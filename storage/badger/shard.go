package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/storage"
)

// ShardRepository implements storage.ShardRepository for BadgerDB.
type ShardRepository struct {
	backend *Backend
}

var _ storage.ShardRepository = (*ShardRepository)(nil)

// NewShardRepository creates a new ShardRepository.
func NewShardRepository(backend *Backend) (*ShardRepository, error) {
	if backend == nil {
		return nil, errors.New("backend required")
	}
	return &ShardRepository{backend: backend}, nil
}

// Close implements storage.ShardRepository. The backend is shared and
// closed by its owner.
func (r *ShardRepository) Close() error {
	return nil
}

// Ping delegates to the backend.
func (r *ShardRepository) Ping(ctx context.Context) error {
	return r.backend.Ping(ctx)
}

// CreateShard stores a shard with RevisionNumber 1.
func (r *ShardRepository) CreateShard(ctx context.Context, shard *core.Shard) (*core.Shard, error) {
	if shard == nil {
		return nil, core.ErrInvalidShard
	}
	if shard.ID == "" {
		shard.ID = core.NewID()
	}
	now := time.Now().UTC()
	if shard.CreatedAt.IsZero() {
		shard.CreatedAt = now
	}
	shard.UpdatedAt = now
	shard.RevisionNumber = 1
	shard.RevisionID = uuid.NewString()

	if err := core.ValidateShard(shard); err != nil {
		return nil, err
	}

	err := r.backend.WithTx(func(tx *badger.Txn) error {
		// Deterministic-ID producers may legitimately overwrite; clean up
		// stale index entries from a previous write first.
		old, err := r.readShard(tx, shard.TenantID, shard.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if old != nil {
			if err := r.deleteIndexes(tx, old); err != nil {
				return err
			}
		}

		if err := r.writeShard(tx, shard); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return nil, err
	}

	return shard, nil
}

// GetShard retrieves a shard by (tenant, id).
func (r *ShardRepository) GetShard(ctx context.Context, tenantID, id string) (*core.Shard, error) {
	if tenantID == "" {
		return nil, core.ErrMissingTenant
	}

	var shard *core.Shard
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		shard, err = r.readShard(tx, tenantID, id)
		return err
	}, false)
	if err != nil {
		return nil, err
	}
	return shard, nil
}

// ReplaceShard conditionally replaces a shard, keyed on its revision number.
func (r *ShardRepository) ReplaceShard(ctx context.Context, shard *core.Shard, expectedRevision int64) (*core.Shard, error) {
	if shard == nil {
		return nil, core.ErrInvalidShard
	}
	if shard.TenantID == "" {
		return nil, core.ErrMissingTenant
	}

	err := r.backend.WithTx(func(tx *badger.Txn) error {
		current, err := r.readShard(tx, shard.TenantID, shard.ID)
		if err != nil {
			return err
		}
		if current.RevisionNumber != expectedRevision {
			return storage.ErrRevisionConflict
		}

		if err := r.deleteIndexes(tx, current); err != nil {
			return err
		}

		shard.RevisionNumber = expectedRevision + 1
		shard.RevisionID = uuid.NewString()
		shard.UpdatedAt = time.Now().UTC()

		if err := core.ValidateShard(shard); err != nil {
			return err
		}
		if err := r.writeShard(tx, shard); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		// Two writers racing on the same key surface as a badger conflict;
		// report it as the same condition so callers re-read and retry.
		if errors.Is(err, badger.ErrConflict) {
			return nil, storage.ErrRevisionConflict
		}
		return nil, err
	}

	return shard, nil
}

// DeleteShard removes a shard and its index entries.
func (r *ShardRepository) DeleteShard(ctx context.Context, tenantID, id string) error {
	if tenantID == "" {
		return core.ErrMissingTenant
	}

	return r.backend.WithTx(func(tx *badger.Txn) error {
		shard, err := r.readShard(tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := r.deleteIndexes(tx, shard); err != nil {
			return err
		}
		if err := tx.Delete(makeShardKey(tenantID, id)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// ShardsByType queries shards of one type within a tenant partition.
func (r *ShardRepository) ShardsByType(ctx context.Context, tenantID string, shardType core.ShardType, limit int) ([]*core.Shard, error) {
	if tenantID == "" {
		return nil, core.ErrMissingTenant
	}

	var shards []*core.Shard
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		prefix := makeShardTypeScanPrefix(tenantID, shardType)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if limit > 0 && len(shards) >= limit {
				break
			}
			id := string(iter.Item().Key()[len(prefix):])
			shard, err := r.readShard(tx, tenantID, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue // dangling index entry
				}
				return err
			}
			shards = append(shards, shard)
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return shards, nil
}

// FindByExternalID looks up a shard by external identifier within a tenant.
func (r *ShardRepository) FindByExternalID(ctx context.Context, tenantID, externalID string) (*core.Shard, error) {
	if tenantID == "" {
		return nil, core.ErrMissingTenant
	}
	if externalID == "" {
		return nil, storage.ErrNotFound
	}

	var shard *core.Shard
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeExternalIDKey(tenantID, externalID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		shard, err = r.readShard(tx, tenantID, string(id))
		return err
	}, false)
	if err != nil {
		return nil, err
	}
	return shard, nil
}

func (r *ShardRepository) readShard(tx *badger.Txn, tenantID, id string) (*core.Shard, error) {
	item, err := tx.Get(makeShardKey(tenantID, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var shard *core.Shard
	err = item.Value(func(val []byte) error {
		var err error
		shard, err = storage.UnmarshalShard(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return shard, nil
}

func (r *ShardRepository) writeShard(tx *badger.Txn, shard *core.Shard) error {
	value, err := storage.MarshalShard(shard)
	if err != nil {
		return err
	}
	if err := tx.Set(makeShardKey(shard.TenantID, shard.ID), value); err != nil {
		return err
	}
	if err := tx.Set(makeShardTypeKey(shard.TenantID, shard.Type, shard.ID), []byte(shard.ID)); err != nil {
		return err
	}
	if externalID, ok := shard.StringField(core.FieldExternalID); ok && externalID != "" {
		if err := tx.Set(makeExternalIDKey(shard.TenantID, externalID), []byte(shard.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (r *ShardRepository) deleteIndexes(tx *badger.Txn, shard *core.Shard) error {
	if err := tx.Delete(makeShardTypeKey(shard.TenantID, shard.Type, shard.ID)); err != nil {
		return err
	}
	if externalID, ok := shard.StringField(core.FieldExternalID); ok && externalID != "" {
		if err := tx.Delete(makeExternalIDKey(shard.TenantID, externalID)); err != nil {
			return err
		}
	}
	return nil
}
