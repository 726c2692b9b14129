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

// Package checkpointstore defines the capability set that every validator
// checkpoint storage backend (local filesystem, S3, GCS, ...) must satisfy.
// Readers must tolerate intermediate missing indices: a write may become
// visible to readers out of order, so "not found" here is an ordinary,
// expected outcome rather than an error.
package checkpointstore

import (
	"context"
	"errors"

	"github.com/abacus-network/relayer/api"
)

// ErrNotFound is returned by Fetch and by LatestIndex (wrapped around a nil
// index) when the requested resource does not exist in the backend.
var ErrNotFound = errors.New("checkpointstore: not found")

// Store is the read/write capability set a validator's published checkpoints
// are served from. Relayers only ever call LatestIndex and Fetch; Write is
// exclusively used by the validator agent that originates checkpoints (out
// of scope for this core, but the capability lives on the same interface so
// that a single backend type serves both roles).
type Store interface {
	// LatestIndex returns the most recently advertised checkpoint index, or
	// ErrNotFound if the backend has never had one written.
	LatestIndex(ctx context.Context) (uint32, error)

	// Fetch returns the signed checkpoint at index, or ErrNotFound if it is
	// absent (a gap, or not yet visible).
	Fetch(ctx context.Context, index uint32) (api.SignedCheckpoint, error)

	// Write durably publishes a signed checkpoint at its index and advances
	// the backend's latest-index pointer. Relayers never call this.
	Write(ctx context.Context, sc api.SignedCheckpoint) error
}

// latestIndexDoc is the wire shape of index.json / latest_index.json.
type latestIndexDoc struct {
	Value uint32 `json:"value"`
}
