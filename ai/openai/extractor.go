/*
 * Copyright 2025 Quarry Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package openai

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/quarrylabs/quarry/ai"
)

// EntityExtractor implements ai.EntityExtractor using OpenAI-compatible chat
// APIs. Malformed model output is not an error: after the repair attempts
// are exhausted it returns an empty result and increments the parse-failure
// counter, so a single bad completion never fails the enclosing job.
type EntityExtractor struct {
	client        llms.Model
	minConfidence float64
	limiter       *rate.Limiter
	parseFailures atomic.Int64
	logger        *slog.Logger
}

// entity matches the structure the LLM is asked to produce.
type entity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// extraction is the wrapper structure of the LLM's JSON response.
type extraction struct {
	Entities []entity `json:"entities"`
}

// newEntityExtractor is the internal constructor returning the concrete
// type. A nil limiter disables rate limiting.
func newEntityExtractor(config *ai.Config, limiter *rate.Limiter) (*EntityExtractor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.ExtractorHost),
		openai.WithToken("none"),
		openai.WithModel(config.ExtractorModel),
	)
	if err != nil {
		return nil, err
	}

	return &EntityExtractor{
		client:        client,
		minConfidence: config.MinConfidence,
		limiter:       limiter,
		logger:        slog.Default().With("component", "openai-extractor"),
	}, nil
}

// NewEntityExtractor creates an entity extractor using the provided
// configuration.
//
// Returns ai.EntityExtractor interface to enforce abstraction.
func NewEntityExtractor(config *ai.Config) (ai.EntityExtractor, error) {
	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	return newEntityExtractor(config, limiter)
}

// ExtractEntities extracts entity mentions from text using an LLM, filtered
// by the configured minimum confidence and sorted highest-confidence first.
func (e *EntityExtractor) ExtractEntities(ctx context.Context, text string) ([]ai.ExtractedEntity, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(buildSystemPrompt())},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(strings.TrimSpace(text))},
		},
	}

	// Try up to 3 times in case of malformed JSON.
	var result extraction
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		response, err := e.client.GenerateContent(ctx, content, llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			e.logger.Error("failed to generate content", "attempt", attempt+1, "err", err)
			return nil, err
		}

		if len(response.Choices) < 1 {
			e.logger.Debug("no choices returned from model")
			return []ai.ExtractedEntity{}, nil
		}

		responseText := stripCodeFences(response.Choices[0].Content)
		responseText = repairJSON(responseText)

		if err := json.Unmarshal([]byte(responseText), &result); err != nil {
			lastErr = err
			e.logger.Warn("error parsing extractor response",
				"attempt", attempt+1,
				"response", responseText,
				"err", err)
			continue
		}

		lastErr = nil
		break
	}

	if lastErr != nil {
		// Count it and move on with nothing extracted.
		e.parseFailures.Add(1)
		e.logger.Error("failed to parse extractor response after retries", "err", lastErr)
		return []ai.ExtractedEntity{}, nil
	}

	extracted := make([]ai.ExtractedEntity, 0, len(result.Entities))
	for _, ent := range result.Entities {
		if ent.Name == "" || ent.Confidence < e.minConfidence {
			continue
		}
		if !slices.Contains(ai.EntityTypes, ent.Type) {
			e.logger.Debug("dropping entity with unknown type", "name", ent.Name, "type", ent.Type)
			continue
		}
		extracted = append(extracted, ai.ExtractedEntity{
			Name:       strings.TrimSpace(ent.Name),
			Type:       ent.Type,
			Confidence: min(ent.Confidence, 1.0),
		})
	}

	slices.SortFunc(extracted, func(a, b ai.ExtractedEntity) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		default:
			return 0
		}
	})

	e.logger.Debug("extracted entities",
		"total", len(result.Entities),
		"filtered", len(extracted))
	return extracted, nil
}

// ParseFailures reports how many extractions ended with undecodable model
// output.
func (e *EntityExtractor) ParseFailures() int64 {
	return e.parseFailures.Load()
}

// stripCodeFences removes a markdown code fence wrapper if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
