package storage

import (
	"context"
	"errors"

	"github.com/quarrylabs/quarry/core"
)

// updateRetries bounds how often a conditional update is retried after
// losing a revision race.
const updateRetries = 5

// UpdateShard applies mutate to the current state of a shard and writes it
// back conditionally on the revision read. A writer that loses the race
// re-reads and retries rather than overwriting. The mutate function must be
// side-effect free since it may run more than once.
func UpdateShard(ctx context.Context, repo ShardRepository, tenantID, id string, mutate func(*core.Shard) error) (*core.Shard, error) {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		shard, err := repo.GetShard(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}

		if err := mutate(shard); err != nil {
			return nil, err
		}

		updated, err := repo.ReplaceShard(ctx, shard, shard.RevisionNumber)
		if err != nil {
			if errors.Is(err, ErrRevisionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return updated, nil
	}
	return nil, lastErr
}
