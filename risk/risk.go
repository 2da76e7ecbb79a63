// Package risk consumes the risk-evaluation jobs the opportunity linker
// fires. Scoring itself is pluggable; the worker's job is fetching the
// opportunity, invoking the scorer, and recording the score on the record.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quarrylabs/quarry/core"
	"github.com/quarrylabs/quarry/jobs"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/storage"
)

// Scorer evaluates the risk of an opportunity, returning a score in [0,1].
type Scorer interface {
	Score(ctx context.Context, opportunity *core.Shard, options map[string]any) (float64, error)
}

// HeuristicScorer scores from the record itself: a linked account and a
// filled description each lower the risk. It stands in until a real
// scoring service is wired up.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(ctx context.Context, opportunity *core.Shard, options map[string]any) (float64, error) {
	score := 0.8
	if len(opportunity.InternalRelationships) > 0 {
		score -= 0.3
	}
	if desc, _ := opportunity.StringField(core.FieldDescription); desc != "" {
		score -= 0.2
	}
	if score < 0 {
		score = 0
	}
	return score, nil
}

// Evaluator is the risk-queue worker.
type Evaluator struct {
	shards storage.ShardRepository
	scorer Scorer
	logger *slog.Logger
}

// New creates a risk evaluator. A nil scorer falls back to the heuristic.
func New(shards storage.ShardRepository, scorer Scorer) *Evaluator {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &Evaluator{
		shards: shards,
		scorer: scorer,
		logger: slog.Default().With("component", "risk"),
	}
}

// Handle processes one risk-evaluation job.
func (e *Evaluator) Handle(ctx context.Context, job queue.Job) error {
	var payload jobs.RiskPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		e.logger.Error("undecodable risk payload", "job", job.ID, "err", err)
		return nil
	}

	opp, err := e.shards.GetShard(ctx, job.TenantID, payload.OpportunityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("opportunity missing, dropping evaluation", "shard", payload.OpportunityID)
			return nil
		}
		return err
	}
	if opp.Type != core.ShardTypeOpportunity {
		e.logger.Warn("risk evaluation on non-opportunity record", "shard", opp.ID, "type", opp.Type.String())
		return nil
	}

	score, err := e.scorer.Score(ctx, opp, payload.Options)
	if err != nil {
		return fmt.Errorf("scoring opportunity %s: %w", opp.ID, err)
	}

	_, err = storage.UpdateShard(ctx, e.shards, opp.TenantID, opp.ID, func(s *core.Shard) error {
		s.SetField(core.FieldRiskScore, score)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording risk score on %s: %w", opp.ID, err)
	}

	e.logger.Info("opportunity scored", "tenant", opp.TenantID, "shard", opp.ID, "score", score, "actor", payload.ActorID)
	return nil
}
