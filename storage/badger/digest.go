package badger

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/storage"
)

// DigestRepository implements storage.DigestRepository for BadgerDB.
type DigestRepository struct {
	backend *Backend
}

var _ storage.DigestRepository = (*DigestRepository)(nil)

// NewDigestRepository creates a new DigestRepository.
func NewDigestRepository(backend *Backend) (*DigestRepository, error) {
	if backend == nil {
		return nil, errors.New("backend required")
	}
	return &DigestRepository{backend: backend}, nil
}

// Close implements storage.DigestRepository.
func (r *DigestRepository) Close() error {
	return nil
}

// AddDigests stores one or more pending digests and indexes them by due time.
func (r *DigestRepository) AddDigests(ctx context.Context, digests ...*core.Digest) ([]*core.Digest, error) {
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		for _, digest := range digests {
			if digest.ID == "" {
				digest.ID = core.NewID()
			}
			if digest.CreatedAt.IsZero() {
				digest.CreatedAt = time.Now().UTC()
			}
			if err := core.ValidateDigest(digest); err != nil {
				return err
			}

			value, err := storage.MarshalDigest(digest)
			if err != nil {
				return err
			}
			if err := tx.Set(makeDigestKey(digest.TenantID, digest.ID), value); err != nil {
				return err
			}
			if digest.Status == core.DigestPending {
				dueKey := makeDigestDueKey(digest.PeriodEnd, digest.TenantID, digest.ID)
				if err := tx.Set(dueKey, []byte(digest.TenantID+":"+digest.ID)); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return nil, err
	}
	return digests, nil
}

// GetDigest retrieves a digest by (tenant, id).
func (r *DigestRepository) GetDigest(ctx context.Context, tenantID, id string) (*core.Digest, error) {
	if tenantID == "" {
		return nil, core.ErrMissingTenant
	}

	var digest *core.Digest
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		digest, err = r.readDigest(tx, tenantID, id)
		return err
	}, false)
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// DuePending returns pending digests due before the given time, in due
// order, capped at limit.
func (r *DigestRepository) DuePending(ctx context.Context, before time.Time, limit int) ([]*core.Digest, error) {
	var due []*core.Digest
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		prefix := []byte(digestDuePrefix + ":")
		bound := makeDigestDueBound(before)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if limit > 0 && len(due) >= limit {
				break
			}
			key := iter.Item().Key()
			// Due index keys sort by BigEndian due time right after the
			// prefix; stop at the first entry past the bound.
			if bytes.Compare(key[:len(bound)], bound) > 0 {
				break
			}
			ref, err := iter.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			tenantID, id, ok := splitDigestRef(string(ref))
			if !ok {
				continue
			}
			digest, err := r.readDigest(tx, tenantID, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			if digest.Status != core.DigestPending {
				continue
			}
			due = append(due, digest)
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return due, nil
}

// MarkSent transitions a digest to sent and retires its due-index entry.
func (r *DigestRepository) MarkSent(ctx context.Context, tenantID, id string, at time.Time) error {
	return r.markTerminal(tenantID, id, func(d *core.Digest) {
		d.Status = core.DigestSent
		sentAt := at.UTC()
		d.SentAt = &sentAt
		d.FailureReason = ""
	})
}

// MarkFailed transitions a digest to failed and retires its due-index entry.
func (r *DigestRepository) MarkFailed(ctx context.Context, tenantID, id string, reason string) error {
	return r.markTerminal(tenantID, id, func(d *core.Digest) {
		d.Status = core.DigestFailed
		d.FailureReason = reason
	})
}

func (r *DigestRepository) markTerminal(tenantID, id string, apply func(*core.Digest)) error {
	if tenantID == "" {
		return core.ErrMissingTenant
	}

	return r.backend.WithTx(func(tx *badger.Txn) error {
		digest, err := r.readDigest(tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(makeDigestDueKey(digest.PeriodEnd, tenantID, id)); err != nil {
			return err
		}
		apply(digest)
		value, err := storage.MarshalDigest(digest)
		if err != nil {
			return err
		}
		if err := tx.Set(makeDigestKey(tenantID, id), value); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

func (r *DigestRepository) readDigest(tx *badger.Txn, tenantID, id string) (*core.Digest, error) {
	item, err := tx.Get(makeDigestKey(tenantID, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var digest *core.Digest
	err = item.Value(func(val []byte) error {
		var err error
		digest, err = storage.UnmarshalDigest(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// splitDigestRef splits a "tenant:id" due-index value.
func splitDigestRef(ref string) (tenantID, id string, ok bool) {
	idx := bytes.IndexByte([]byte(ref), ':')
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	return ref[:idx], ref[idx+1:], true
}
