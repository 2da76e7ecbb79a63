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

// Package config loads the daemon's TOML configuration. Every field has a
// working default so an empty file yields a runnable single-node setup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	DataDir string `toml:"data_dir"`
	BlobDir string `toml:"blob_dir"`

	Queue   QueueConfig   `toml:"queue"`
	Workers WorkersConfig `toml:"workers"`
	Gate    GateConfig    `toml:"gate"`
	Chunk   ChunkConfig   `toml:"chunk"`
	AI      AIConfig      `toml:"ai"`
	Digest  DigestConfig  `toml:"digest"`
	Health  HealthConfig  `toml:"health"`
}

// QueueConfig selects and tunes the job broker.
type QueueConfig struct {
	// Backend is "badger" (embedded, single node) or "redis" (multi node).
	Backend      string   `toml:"backend"`
	RedisAddr    string   `toml:"redis_addr"`
	RedisDB      int      `toml:"redis_db"`
	MaxAttempts  int      `toml:"max_attempts"`
	LeaseTimeout Duration `toml:"lease_timeout"`
	RetryBase    Duration `toml:"retry_base"`
}

// WorkersConfig sets per-stage worker pool sizes.
type WorkersConfig struct {
	Gate     int `toml:"gate"`
	Chunk    int `toml:"chunk"`
	Embed    int `toml:"embed"`
	Enrich   int `toml:"enrich"`
	Autolink int `toml:"autolink"`
	Risk     int `toml:"risk"`
}

// GateConfig tunes the document security gate.
type GateConfig struct {
	MaxSizeBytes int64    `toml:"max_size_bytes"`
	ScanAttempts int      `toml:"scan_attempts"`
	ScannerURL   string   `toml:"scanner_url"`
	ScanTimeout  Duration `toml:"scan_timeout"`
}

// ChunkConfig tunes text splitting.
type ChunkConfig struct {
	TargetSize int `toml:"target_size"`
	MaxSize    int `toml:"max_size"`
}

// AIConfig points at the embedding and extraction model endpoints.
type AIConfig struct {
	// Provider is "openai" or "mock".
	Provider          string  `toml:"provider"`
	EmbeddingHost     string  `toml:"embedding_host"`
	ExtractorHost     string  `toml:"extractor_host"`
	EmbeddingModel    string  `toml:"embedding_model"`
	ExtractorModel    string  `toml:"extractor_model"`
	MinConfidence     float64 `toml:"min_confidence"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// DigestConfig tunes the digest scheduler.
type DigestConfig struct {
	Interval  Duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// HealthConfig sets the health server listener.
type HealthConfig struct {
	Addr string `toml:"addr"`
}

// Default returns a runnable single-node configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		BlobDir: "./blobs",
		Queue: QueueConfig{
			Backend:      "badger",
			RedisAddr:    "localhost:6379",
			MaxAttempts:  5,
			LeaseTimeout: Duration(30 * time.Second),
			RetryBase:    Duration(2 * time.Second),
		},
		Workers: WorkersConfig{
			Gate:     3,
			Chunk:    3,
			Embed:    5,
			Enrich:   3,
			Autolink: 3,
			Risk:     2,
		},
		Gate: GateConfig{
			MaxSizeBytes: 500 * 1024 * 1024,
			ScanAttempts: 3,
			ScanTimeout:  Duration(30 * time.Second),
		},
		Chunk: ChunkConfig{
			TargetSize: 1200,
			MaxSize:    2000,
		},
		AI: AIConfig{
			Provider:          "openai",
			EmbeddingHost:     "http://localhost:11434/v1",
			ExtractorHost:     "http://localhost:11434/v1",
			EmbeddingModel:    "embeddinggemma",
			ExtractorModel:    "qwen2.5:3b",
			MinConfidence:     0.5,
			RequestsPerSecond: 4,
		},
		Digest: DigestConfig{
			Interval:  Duration(time.Minute),
			BatchSize: 50,
		},
		Health: HealthConfig{
			Addr: ":8090",
		},
	}
}

// Load reads a TOML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.BlobDir == "" {
		return fmt.Errorf("blob_dir must be set")
	}
	switch c.Queue.Backend {
	case "badger":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	switch c.AI.Provider {
	case "openai", "mock":
	default:
		return fmt.Errorf("unknown ai provider %q", c.AI.Provider)
	}
	if c.Chunk.TargetSize <= 0 || c.Chunk.MaxSize < c.Chunk.TargetSize {
		return fmt.Errorf("chunk sizes must satisfy 0 < target_size <= max_size")
	}
	if c.Gate.MaxSizeBytes <= 0 {
		return fmt.Errorf("gate.max_size_bytes must be positive")
	}
	if c.Digest.BatchSize <= 0 {
		return fmt.Errorf("digest.batch_size must be positive")
	}
	return nil
}
