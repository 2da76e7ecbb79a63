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

// Package ai provides abstractions for the AI services the pipeline depends
// on: text embeddings and entity extraction.
//
// The package defines interfaces so the pipeline stages depend on
// abstractions rather than concrete model clients:
//
//   - Embedder: generates vector embeddings from text
//   - EntityExtractor: extracts business entities from text
//   - Provider: aggregates both for initialization and lifecycle management
//
// Two implementation sub-packages exist:
//
//   - ai/openai: production implementation using OpenAI-compatible APIs
//   - ai/mock: test doubles for unit testing without external services
//
// Production constructors return interface types to prevent coupling to a
// specific backend; mock constructors return concrete types so tests can
// inject behavior and assert call counts.
package ai
