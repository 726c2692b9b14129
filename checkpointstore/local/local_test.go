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

package local

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/checkpointstore"
)

func TestLatestIndexNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.LatestIndex(context.Background()); !errors.Is(err, checkpointstore.ErrNotFound) {
		t.Fatalf("LatestIndex on empty store: %v, want ErrNotFound", err)
	}
}

func TestWriteFetchRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	sc := api.SignedCheckpoint{Checkpoint: api.Checkpoint{Index: 3, OriginDomain: 1}}
	sc.Checkpoint.Root[0] = 0xAA

	if err := s.Write(ctx, sc); err != nil {
		t.Fatalf("Write: %v", err)
	}

	idx, err := s.LatestIndex(ctx)
	if err != nil || idx != 3 {
		t.Fatalf("LatestIndex = (%d, %v), want (3, nil)", idx, err)
	}

	got, err := s.Fetch(ctx, 3)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if diff := cmp.Diff(sc, got); diff != "" {
		t.Fatalf("Fetch() round-trip mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Fetch(ctx, 99); !errors.Is(err, checkpointstore.ErrNotFound) {
		t.Fatalf("Fetch(99) = %v, want ErrNotFound", err)
	}
}

func TestIntermediateGapTolerated(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for _, idx := range []uint32{0, 2} {
		sc := api.SignedCheckpoint{Checkpoint: api.Checkpoint{Index: idx}}
		if err := s.Write(ctx, sc); err != nil {
			t.Fatalf("Write(%d): %v", idx, err)
		}
	}
	if _, err := s.Fetch(ctx, 1); !errors.Is(err, checkpointstore.ErrNotFound) {
		t.Fatalf("Fetch(1) (gap) = %v, want ErrNotFound", err)
	}
	if _, err := s.Fetch(ctx, 2); err != nil {
		t.Fatalf("Fetch(2): %v", err)
	}
}
