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
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/quarrylabs/quarry/ai"
)

// Provider implements ai.Provider using OpenAI-compatible services. Both
// services share one outbound rate limiter so the combined call rate stays
// within the configured budget.
type Provider struct {
	config    *ai.Config
	embedder  *Embedder
	extractor *EntityExtractor
	logger    *slog.Logger
}

// NewProvider creates an AI provider backed by OpenAI-compatible services.
// The config is validated and normalized before use.
//
// Returns ai.Provider (not *Provider) to enforce abstraction.
func NewProvider(config *ai.Config) (ai.Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	embedder, err := newEmbedder(config, limiter)
	if err != nil {
		return nil, err
	}

	extractor, err := newEntityExtractor(config, limiter)
	if err != nil {
		return nil, err
	}

	return &Provider{
		config:    config,
		embedder:  embedder,
		extractor: extractor,
		logger:    slog.Default().With("component", "openai-provider"),
	}, nil
}

// Embedder returns the text embedding service.
func (p *Provider) Embedder() ai.Embedder {
	return p.embedder
}

// EntityExtractor returns the entity extraction service.
func (p *Provider) EntityExtractor() ai.EntityExtractor {
	return p.extractor
}

// Close releases resources held by the provider.
// Currently a no-op as the underlying clients don't require explicit cleanup.
func (p *Provider) Close() error {
	p.logger.Debug("closing OpenAI provider")
	return nil
}
