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

// Package mock provides test doubles for the ai package interfaces, so the
// pipeline stages can be tested without external model services.
package mock

import "github.com/quarrylabs/quarry/ai"

// MockProvider is a test double for ai.Provider.
type MockProvider struct {
	embedder  *MockEmbedder
	extractor *MockEntityExtractor
}

// NewMockProvider creates a mock provider with default mock services.
//
// Returns ai.Provider for consistency with production constructors. Use
// GetMockEmbedder/GetMockExtractor to access concrete types for assertions.
func NewMockProvider() ai.Provider {
	return &MockProvider{
		embedder:  NewMockEmbedder(),
		extractor: NewMockEntityExtractor(),
	}
}

// NewMockProviderWithServices creates a mock provider with custom mock
// services, for full control over each service's behavior.
func NewMockProviderWithServices(embedder *MockEmbedder, extractor *MockEntityExtractor) ai.Provider {
	return &MockProvider{
		embedder:  embedder,
		extractor: extractor,
	}
}

// Embedder returns the mock embedder.
func (p *MockProvider) Embedder() ai.Embedder {
	return p.embedder
}

// EntityExtractor returns the mock entity extractor.
func (p *MockProvider) EntityExtractor() ai.EntityExtractor {
	return p.extractor
}

// Close is a no-op for the mock provider.
func (p *MockProvider) Close() error {
	return nil
}

// GetMockEmbedder returns the underlying mock embedder for test assertions.
func (p *MockProvider) GetMockEmbedder() *MockEmbedder {
	return p.embedder
}

// GetMockExtractor returns the underlying mock extractor for test assertions.
func (p *MockProvider) GetMockExtractor() *MockEntityExtractor {
	return p.extractor
}
