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

// Package gcs is a Google Cloud Storage checkpoint storage backend, a
// supplemental variant beyond the Local/S3 pair: same object layout,
// interchangeable with either per-validator.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/api/layout"
	"github.com/abacus-network/relayer/checkpointstore"
)

// Store is a checkpointstore.Store backed by a GCS bucket.
type Store struct {
	client *gcs.Client
	bucket string
}

var _ checkpointstore.Store = (*Store)(nil)

// New creates a Store using application-default credentials.
func New(ctx context.Context, bucket string) (*Store, error) {
	c, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("new GCS client: %w", err)
	}
	return &Store{client: c, bucket: bucket}, nil
}

func (s *Store) readObject(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, checkpointstore.ErrNotFound
		}
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	defer r.Close()
	d, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object body %q: %w", key, err)
	}
	return d, nil
}

func (s *Store) writeObject(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write object %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close object writer %q: %w", key, err)
	}
	return nil
}

func (s *Store) LatestIndex(ctx context.Context) (uint32, error) {
	raw, err := s.readObject(ctx, layout.LatestIndexPath)
	if err != nil {
		return 0, err
	}
	var doc struct {
		Value uint32 `json:"value"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("unmarshal latest index: %w", err)
	}
	return doc.Value, nil
}

func (s *Store) Fetch(ctx context.Context, index uint32) (api.SignedCheckpoint, error) {
	raw, err := s.readObject(ctx, layout.IndexPath(index))
	if err != nil {
		return api.SignedCheckpoint{}, err
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
	if err := s.writeObject(ctx, layout.IndexPath(sc.Checkpoint.Index), raw); err != nil {
		return err
	}
	latest, err := json.Marshal(struct {
		Value uint32 `json:"value"`
	}{Value: sc.Checkpoint.Index})
	if err != nil {
		return fmt.Errorf("marshal latest index: %w", err)
	}
	if err := s.writeObject(ctx, layout.LatestIndexPath, latest); err != nil {
		return err
	}
	klog.V(1).Infof("gcs: wrote checkpoint at index %d to bucket %q", sc.Checkpoint.Index, s.bucket)
	return nil
}
