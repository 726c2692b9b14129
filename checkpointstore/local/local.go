// Copyright 2024 The Tessera authors. All Rights Reserved.
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

// Package local is a local-filesystem checkpoint storage backend: one file
// per index, plus a latest-index pointer file, using the same atomic
// create-temp-then-rename technique Tessera's posix storage uses for its
// tile and checkpoint writes.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/api/layout"
	"github.com/abacus-network/relayer/checkpointstore"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store is a checkpointstore.Store backed by a directory on a local (or
// network-mounted) filesystem.
type Store struct {
	dir string
}

var _ checkpointstore.Store = (*Store)(nil)

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) LatestIndex(ctx context.Context) (uint32, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, layout.LatestIndexPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, checkpointstore.ErrNotFound
		}
		return 0, fmt.Errorf("read %s: %w", layout.LatestIndexPath, err)
	}
	var doc struct {
		Value uint32 `json:"value"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", layout.LatestIndexPath, err)
	}
	return doc.Value, nil
}

func (s *Store) Fetch(ctx context.Context, index uint32) (api.SignedCheckpoint, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, layout.IndexPath(index)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return api.SignedCheckpoint{}, checkpointstore.ErrNotFound
		}
		return api.SignedCheckpoint{}, fmt.Errorf("read index %d: %w", index, err)
	}
	var sc api.SignedCheckpoint
	if err := json.Unmarshal(raw, &sc); err != nil {
		return api.SignedCheckpoint{}, fmt.Errorf("unmarshal index %d: %w", index, err)
	}
	return sc, nil
}

func (s *Store) Write(ctx context.Context, sc api.SignedCheckpoint) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %d: %w", sc.Checkpoint.Index, err)
	}
	if err := s.writeAtomic(layout.IndexPath(sc.Checkpoint.Index), raw); err != nil {
		return fmt.Errorf("write index %d: %w", sc.Checkpoint.Index, err)
	}

	latest, err := json.Marshal(struct {
		Value uint32 `json:"value"`
	}{Value: sc.Checkpoint.Index})
	if err != nil {
		return fmt.Errorf("marshal latest index: %w", err)
	}
	if err := s.writeAtomic(layout.LatestIndexPath, latest); err != nil {
		return fmt.Errorf("write latest index: %w", err)
	}
	klog.V(1).Infof("wrote checkpoint at index %d", sc.Checkpoint.Index)
	return nil
}

// writeAtomic creates a temp file alongside the target, writes d into it,
// then renames it into place. The rename is atomic on POSIX filesystems, so
// readers never observe a partially written file.
func (s *Store) writeAtomic(name string, d []byte) error {
	p := filepath.Join(s.dir, name)
	tmpF, err := os.CreateTemp(s.dir, name+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmpF.Name()
	if err := tmpF.Chmod(filePerm); err != nil {
		tmpF.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmpF.Write(d); err != nil {
		tmpF.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpF.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
