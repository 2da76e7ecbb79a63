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

package storage

import "errors"

var (
	// ErrNotFound is returned when a shard, digest or object doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrRevisionConflict is returned by a conditional replace whose
	// expected revision no longer matches. The losing writer must re-read
	// and retry the merge, never overwrite.
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrInvalidPath is returned for object paths that escape their
	// container.
	ErrInvalidPath = errors.New("invalid object path")
)
