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

package proversync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/merkle"
)

// fakeKV is a minimal in-memory db.KV sufficient to drive proversync.
type fakeKV struct {
	mu       sync.Mutex
	messages map[uint32]api.Message
	proofs   map[uint32]api.Proof
	cursors  map[api.Domain]uint32
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		messages: map[uint32]api.Message{},
		proofs:   map[uint32]api.Proof{},
		cursors:  map[api.Domain]uint32{},
	}
}

func (f *fakeKV) MessageByNonce(ctx context.Context, destination api.Domain, nonce uint32) (api.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.DestinationDomain == destination && m.Nonce == nonce {
			return m, true, nil
		}
	}
	return api.Message{}, false, nil
}

func (f *fakeKV) MessageByLeaf(ctx context.Context, leafIndex uint32) (api.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[leafIndex]
	return m, ok, nil
}

func (f *fakeKV) LeafByNonce(ctx context.Context, destination api.Domain, nonce uint32) (uint32, bool, error) {
	m, ok, err := f.MessageByNonce(ctx, destination, nonce)
	return m.LeafIndex, ok, err
}

func (f *fakeKV) ProofByLeaf(ctx context.Context, leafIndex uint32) (api.Proof, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proofs[leafIndex]
	return p, ok, nil
}

func (f *fakeKV) Cursor(ctx context.Context, destination api.Domain) (uint32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.cursors[destination]
	return n, ok, nil
}

func (f *fakeKV) WriteMessage(ctx context.Context, msg api.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.LeafIndex] = msg
	return nil
}

func (f *fakeKV) WriteProof(ctx context.Context, leafIndex uint32, proof api.Proof) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proofs[leafIndex] = proof
	return nil
}

func (f *fakeKV) WriteCursor(ctx context.Context, destination api.Domain, nextNonce uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[destination] = nextNonce
	return nil
}

func TestProverSyncProducesVerifiableProofs(t *testing.T) {
	kv := newFakeKV()
	for i := uint32(0); i < 5; i++ {
		msg := api.Message{DestinationDomain: 9, Nonce: i, LeafIndex: i, Body: []byte{byte(i)}}
		if err := kv.WriteMessage(context.Background(), msg); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	s := New(kv, time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for s.tree.Count() < 5 {
		if err := s.tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	// Each leaf's stored proof is written exactly once, valid at the size the
	// tree held right after that leaf was appended (leaf_index+1) — not at
	// the final tip of 5. A leaf's canonical size-(i+1) root never changes as
	// later leaves are appended, so this proof must still verify there even
	// though the tree has since grown.
	for i := uint32(0); i < 5; i++ {
		p, ok, err := kv.ProofByLeaf(ctx, i)
		if err != nil || !ok {
			t.Fatalf("ProofByLeaf(%d): ok=%v err=%v", i, ok, err)
		}
		rootAtOwnSize, err := s.tree.Root(uint64(i) + 1)
		if err != nil {
			t.Fatalf("Root(%d): %v", i+1, err)
		}
		if !merkle.VerifyProof(p, uint64(i)+1, rootAtOwnSize) {
			t.Fatalf("proof for leaf %d does not verify against root at its own canonical size %d", i, i+1)
		}
	}

	// A later leaf's checkpoint-sized proof is a live query, not something
	// ProverSync ever wrote to the KV: proof_by_leaf(0) stays fixed at size 1
	// forever, but a caller gating on a checkpoint covering size 5 needs a
	// structurally different proof, computed on demand.
	proofAt5, ok, err := s.ProofAtSize(0, 5)
	if err != nil || !ok {
		t.Fatalf("ProofAtSize(0, 5): ok=%v err=%v", ok, err)
	}
	root5, err := s.tree.Root(5)
	if err != nil {
		t.Fatalf("Root(5): %v", err)
	}
	if !merkle.VerifyProof(proofAt5, 5, root5) {
		t.Fatalf("live ProofAtSize(0, 5) does not verify against root after 5 insertions")
	}

	// The stored row for leaf 0 was never rewritten to match this larger
	// size: it stays the size-1 proof, distinct from the live size-5 query.
	stored0, ok, err := kv.ProofByLeaf(ctx, 0)
	if err != nil || !ok {
		t.Fatalf("ProofByLeaf(0): ok=%v err=%v", ok, err)
	}
	if merkle.ComputeRoot(stored0) == merkle.ComputeRoot(proofAt5) {
		t.Fatalf("stored proof_by_leaf(0) must not have drifted to match the size-5 root")
	}
}

func TestProverSyncWaitsOnHole(t *testing.T) {
	kv := newFakeKV()
	for _, i := range []uint32{0, 1, 3} {
		msg := api.Message{DestinationDomain: 1, Nonce: i, LeafIndex: i}
		kv.WriteMessage(context.Background(), msg)
	}

	s := New(kv, time.Millisecond, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := s.tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if got := s.tree.Count(); got != 2 {
		t.Fatalf("tree count = %d, want 2 (blocked at the hole)", got)
	}

	// Backfill leaf 2; the syncer should now advance past the hole.
	kv.WriteMessage(ctx, api.Message{DestinationDomain: 1, Nonce: 2, LeafIndex: 2})
	for s.tree.Count() < 4 {
		if err := s.tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
}
