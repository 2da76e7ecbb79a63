package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/core"
)

// candidate is one potential entity link surfaced from a record, before it
// is resolved against existing shards.
type candidate struct {
	name       string
	entityType core.ShardType
	externalID string
	confidence float64 // extractor-reported, before source scaling
	source     core.Source
	method     string
}

// entityShardTypes maps extractor entity types to the shard types the
// engine may create. Types without a mapping link only to existing shards.
var entityShardTypes = map[string]core.ShardType{
	"organization": core.ShardTypeAccount,
	"person":       core.ShardTypeContact,
}

// opportunityCandidates surfaces the structured account reference without
// any model call, then mines the free-text description for contacts.
func (e *Engine) opportunityCandidates(ctx context.Context, record *core.Shard) ([]candidate, error) {
	var candidates []candidate

	if accountID, ok := record.StringField(core.FieldAccountID); ok && accountID != "" {
		candidates = append(candidates, candidate{
			name:       accountID,
			entityType: core.ShardTypeAccount,
			externalID: accountID,
			confidence: 1.0,
			source:     core.SourceCRM,
			method:     "structured",
		})
	}

	description, _ := record.StringField(core.FieldDescription)
	if strings.TrimSpace(description) == "" {
		return candidates, nil
	}

	entities, err := e.extractor.ExtractEntities(ctx, description)
	if err != nil {
		// The structured candidate still stands; the description pass is
		// reported but not fatal to it.
		e.logger.Warn("error extracting from opportunity description", "shard", record.ID, "err", err)
		return candidates, err
	}
	for _, ent := range entities {
		if ent.Type != "person" {
			continue
		}
		candidates = append(candidates, candidate{
			name:       ent.Name,
			entityType: core.ShardTypeContact,
			confidence: ent.Confidence,
			source:     core.SourceLLM,
			method:     "llm",
		})
	}
	return candidates, nil
}

// nameCandidates scans a document or folder name for organization mentions.
func (e *Engine) nameCandidates(ctx context.Context, record *core.Shard) ([]candidate, error) {
	name := strings.TrimSpace(record.Name)
	if name == "" {
		return nil, nil
	}

	entities, err := e.extractor.ExtractEntities(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("extracting from name: %w", err)
	}

	var candidates []candidate
	for _, ent := range entities {
		if ent.Type != "organization" {
			continue
		}
		candidates = append(candidates, candidate{
			name:       ent.Name,
			entityType: core.ShardTypeAccount,
			confidence: ent.Confidence,
			source:     core.SourceLLM,
			method:     "llm",
		})
	}
	return candidates, nil
}

// channelCandidates mines a channel's topic and description for any entity
// kind the extractor knows, tagged with the messaging source policy.
func (e *Engine) channelCandidates(ctx context.Context, record *core.Shard) ([]candidate, error) {
	topic, _ := record.StringField(core.FieldTopic)
	description, _ := record.StringField(core.FieldDescription)
	text := strings.TrimSpace(strings.Join([]string{topic, description}, "\n"))
	if text == "" {
		return nil, nil
	}

	entities, err := e.extractor.ExtractEntities(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("extracting from channel text: %w", err)
	}

	var candidates []candidate
	for _, ent := range entities {
		shardType, supported := entityShardTypes[ent.Type]
		if !supported {
			e.logger.Debug("skipping entity type without shard mapping",
				"shard", record.ID, "entity", ent.Name, "type", ent.Type)
			continue
		}
		candidates = append(candidates, candidate{
			name:       ent.Name,
			entityType: shardType,
			confidence: ent.Confidence,
			source:     core.SourceMessaging,
			method:     "llm",
		})
	}
	return candidates, nil
}

// nopCandidates is the handler for record kinds that need no enrichment.
func (e *Engine) nopCandidates(ctx context.Context, record *core.Shard) ([]candidate, error) {
	return nil, nil
}
