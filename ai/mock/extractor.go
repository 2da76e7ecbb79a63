package mock

import (
	"context"
	"strings"

	"github.com/quarrylabs/quarry/ai"
)

// MockEntityExtractor is a test double for ai.EntityExtractor.
// It allows custom behavior injection via function fields, or canned
// responses keyed by substring of the input text.
type MockEntityExtractor struct {
	// ExtractEntitiesFunc is called by ExtractEntities if set.
	// If nil, canned responses and then the default behavior apply.
	ExtractEntitiesFunc func(ctx context.Context, text string) ([]ai.ExtractedEntity, error)

	// Responses maps an input substring to the entities returned when the
	// input contains it. First match in insertion order is undefined; use
	// distinct substrings per test.
	Responses map[string][]ai.ExtractedEntity

	callCount int
}

// NewMockEntityExtractor creates a mock extractor with default behavior.
// Returns the concrete type so tests can inject behavior and assert call
// counts.
func NewMockEntityExtractor() *MockEntityExtractor {
	return &MockEntityExtractor{}
}

// WithResponse registers a canned result for inputs containing the given
// substring. Returns the extractor for chaining.
func (m *MockEntityExtractor) WithResponse(substring string, entities []ai.ExtractedEntity) *MockEntityExtractor {
	if m.Responses == nil {
		m.Responses = make(map[string][]ai.ExtractedEntity)
	}
	m.Responses[substring] = entities
	return m
}

// ExtractEntities returns the injected function's result, a canned response,
// or capitalized words from the text as low-confidence organizations.
func (m *MockEntityExtractor) ExtractEntities(ctx context.Context, text string) ([]ai.ExtractedEntity, error) {
	m.callCount++

	if m.ExtractEntitiesFunc != nil {
		return m.ExtractEntitiesFunc(ctx, text)
	}

	for substring, entities := range m.Responses {
		if strings.Contains(text, substring) {
			return entities, nil
		}
	}

	// Default: treat capitalized words as organization mentions.
	var entities []ai.ExtractedEntity
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if word == "" || word[0] < 'A' || word[0] > 'Z' {
			continue
		}
		entities = append(entities, ai.ExtractedEntity{
			Name:       word,
			Type:       "organization",
			Confidence: 0.6,
		})
		if len(entities) >= 5 {
			break
		}
	}
	return entities, nil
}

// CallCount returns the number of times ExtractEntities was called.
func (m *MockEntityExtractor) CallCount() int {
	return m.callCount
}

// Reset clears the call count, custom functions and canned responses.
func (m *MockEntityExtractor) Reset() {
	m.callCount = 0
	m.ExtractEntitiesFunc = nil
	m.Responses = nil
}
