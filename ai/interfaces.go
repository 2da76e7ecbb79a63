package ai

import "context"

// Embedder generates vector embeddings from text for semantic similarity
// search. Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// EmbedText generates a vector embedding for a single text string.
	// Returns an error if the embedding generation fails.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedTexts generates vector embeddings for multiple text strings in a
	// batch. The returned slice contains embeddings in the same order as the
	// input texts. Returns an error if any embedding generation fails.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// EntityExtractor extracts business entities from free text.
// Implementations must be thread-safe for concurrent use.
type EntityExtractor interface {
	// ExtractEntities analyzes text and extracts entity mentions with their
	// types and confidence scores. A malformed model response is not an
	// error: the extractor returns an empty slice and counts the failure,
	// so one bad completion never fails the enclosing job.
	ExtractEntities(ctx context.Context, text string) ([]ExtractedEntity, error)
}

// ExtractedEntity is one entity mention identified in text.
type ExtractedEntity struct {
	// Name is the entity as mentioned, e.g. "Acme Corp", "Jane Rivera".
	Name string

	// Type categorizes the entity. Must match one of EntityTypes.
	Type string

	// Confidence is the model's confidence in the mention, 0.0 to 1.0.
	Confidence float64
}

// ParseFailureCounter is implemented by extractors that track how often the
// model returned undecodable output. The health endpoint surfaces the count.
type ParseFailureCounter interface {
	ParseFailures() int64
}

// Provider aggregates the AI services for convenient initialization and
// lifecycle management.
type Provider interface {
	// Embedder returns the text embedding service.
	Embedder() Embedder

	// EntityExtractor returns the entity extraction service.
	EntityExtractor() EntityExtractor

	// Close releases resources held by the provider and its services.
	Close() error
}
