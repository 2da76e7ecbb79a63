package ai

import "testing"

func TestNormalizeAddsV1Suffix(t *testing.T) {
	cfg := NewConfig(WithHost("http://localhost:11434"))
	cfg.Normalize()
	if cfg.EmbeddingHost != "http://localhost:11434/v1" {
		t.Fatalf("embedding host not normalized: %s", cfg.EmbeddingHost)
	}
	if cfg.ExtractorHost != "http://localhost:11434/v1" {
		t.Fatalf("extractor host not normalized: %s", cfg.ExtractorHost)
	}
}

func TestNormalizeStripsTrailingSlash(t *testing.T) {
	cfg := NewConfig(WithHost("http://localhost:11434/"))
	cfg.Normalize()
	if cfg.EmbeddingHost != "http://localhost:11434/v1" {
		t.Fatalf("trailing slash mishandled: %s", cfg.EmbeddingHost)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	cfg := NewConfig(WithHost("http://localhost:11434/v1"))
	cfg.Normalize()
	cfg.Normalize()
	if cfg.EmbeddingHost != "http://localhost:11434/v1" {
		t.Fatalf("normalize not idempotent: %s", cfg.EmbeddingHost)
	}
}

func TestValidateRejectsBadConfidence(t *testing.T) {
	cfg := NewConfig(WithMinConfidence(1.5))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for MinConfidence > 1")
	}
	cfg = NewConfig(WithMinConfidence(-0.1))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for MinConfidence < 0")
	}
}

func TestValidateRequiresHosts(t *testing.T) {
	cfg := NewConfig()
	cfg.EmbeddingHost = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty embedding host")
	}
}

func TestDefaultsAreValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
