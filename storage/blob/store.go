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

// Package blob provides a filesystem-backed object store with logically
// isolated containers. It backs the quarantine and permanent areas of the
// upload pipeline in single-node deployments; cloud object storage slots in
// behind the same storage.ObjectStore interface.
package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/quarrylabs/quarry/storage"
)

// Store is a filesystem implementation of storage.ObjectStore.
// Each container is a directory under the root; objects are files.
type Store struct {
	root string
}

var _ storage.ObjectStore = (*Store)(nil)

// NewStore creates a blob store rooted at the given directory.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob root required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Get reads an object's bytes.
func (s *Store) Get(ctx context.Context, container, path string) ([]byte, error) {
	full, err := s.resolve(container, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put writes an object, creating parent directories as needed.
func (s *Store) Put(ctx context.Context, container, path string, data []byte) error {
	full, err := s.resolve(container, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	// Write-then-rename so a crashed write never leaves a readable
	// half-object behind.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *Store) Delete(ctx context.Context, container, path string) error {
	full, err := s.resolve(container, path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Copy duplicates an object across containers.
func (s *Store) Copy(ctx context.Context, srcContainer, srcPath, dstContainer, dstPath string) error {
	data, err := s.Get(ctx, srcContainer, srcPath)
	if err != nil {
		return err
	}
	return s.Put(ctx, dstContainer, dstPath, data)
}

// Exists reports whether an object is present.
func (s *Store) Exists(ctx context.Context, container, path string) (bool, error) {
	full, err := s.resolve(container, path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// resolve joins container and object path under the root, rejecting paths
// that would escape their container.
func (s *Store) resolve(container, path string) (string, error) {
	if container == "" || path == "" {
		return "", storage.ErrInvalidPath
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", storage.ErrInvalidPath
	}
	return filepath.Join(s.root, container, cleaned), nil
}
