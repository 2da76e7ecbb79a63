// Copyright 2025 Quarry Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "errors"

// Domain validation errors
var (
	// ErrInvalidShard indicates a Shard failed validation.
	ErrInvalidShard = errors.New("invalid shard")

	// ErrMissingTenant indicates a shard or query without a tenant ID.
	// Cross-tenant or tenant-less access is a correctness bug, not merely
	// a security one.
	ErrMissingTenant = errors.New("tenant id required")

	// ErrInvalidConfidence indicates a confidence outside [0,1].
	ErrInvalidConfidence = errors.New("confidence must be between 0 and 1")

	// ErrInvalidDigest indicates a Digest failed validation.
	ErrInvalidDigest = errors.New("invalid digest")
)
