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

// Package s3 is an S3-backed checkpoint storage backend: every validator's
// bucket uses the same object-key layout as the local filesystem variant, so
// the two are wire-compatible and interchangeable per-validator.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/api/layout"
	"github.com/abacus-network/relayer/checkpointstore"
)

const (
	jsonContentType = "application/json"
)

// Store is a checkpointstore.Store backed by an S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	region string
}

var _ checkpointstore.Store = (*Store)(nil)

// New creates a Store using the default AWS credential chain.
func New(ctx context.Context, bucket, region string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		region: region,
	}, nil
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nske *types.NoSuchKey
		if errors.As(err, &nske) {
			return nil, checkpointstore.ErrNotFound
		}
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	defer r.Body.Close()
	d, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return d, nil
}

func (s *Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(jsonContentType),
	})
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

func (s *Store) LatestIndex(ctx context.Context) (uint32, error) {
	raw, err := s.getObject(ctx, layout.LatestIndexPath)
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
	raw, err := s.getObject(ctx, layout.IndexPath(index))
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
	if err := s.putObject(ctx, layout.IndexPath(sc.Checkpoint.Index), raw); err != nil {
		return err
	}
	latest, err := json.Marshal(struct {
		Value uint32 `json:"value"`
	}{Value: sc.Checkpoint.Index})
	if err != nil {
		return fmt.Errorf("marshal latest index: %w", err)
	}
	if err := s.putObject(ctx, layout.LatestIndexPath, latest); err != nil {
		return err
	}
	klog.V(1).Infof("s3: wrote checkpoint at index %d to bucket %q", sc.Checkpoint.Index, s.bucket)
	return nil
}
