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

package processor

import (
	"context"
	"sync"
	"testing"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/merkle"
)

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

type fakeInbox struct {
	acceptable map[api.Hash256]bool
}

func (f *fakeInbox) AcceptableRoot(ctx context.Context, root api.Hash256) (bool, error) {
	return f.acceptable[root], nil
}

func (f *fakeInbox) MessageStatus(ctx context.Context, leafHash api.Hash256) (api.MessageStatus, error) {
	return api.MessageStatusNone, nil
}

type fakeCheckpointSource struct {
	cp *api.MultisigSignedCheckpoint
}

func (f *fakeCheckpointSource) Latest() *api.MultisigSignedCheckpoint { return f.cp }

// fakeProofSource wraps a *merkle.Tree to stand in for proversync.Syncer's
// live ProofAtSize query.
type fakeProofSource struct {
	tree *merkle.Tree
}

func (f *fakeProofSource) ProofAtSize(leafIndex uint32, size uint64) (api.Proof, bool, error) {
	if size > f.tree.Count() {
		return api.Proof{}, false, nil
	}
	p, err := f.tree.ProofAtSize(uint64(leafIndex), size)
	if err != nil {
		return api.Proof{}, false, err
	}
	return p, true, nil
}

func buildTreeAndProofs(t *testing.T, n int) (*merkle.Tree, []api.Proof, api.Hash256) {
	t.Helper()
	tree := merkle.New()
	msgs := make([]api.Message, n)
	for i := 0; i < n; i++ {
		msgs[i] = api.Message{DestinationDomain: 9, Nonce: uint32(i), LeafIndex: uint32(i), Body: []byte{byte(i)}}
		tree.Append(msgs[i].LeafHash())
	}
	proofs := make([]api.Proof, n)
	for i := 0; i < n; i++ {
		p, err := tree.ProofAtSize(uint64(i), uint64(n))
		if err != nil {
			t.Fatalf("ProofAtSize(%d): %v", i, err)
		}
		proofs[i] = p
	}
	root, err := tree.Root(uint64(n))
	if err != nil {
		t.Fatalf("Root(%d): %v", n, err)
	}
	return tree, proofs, root
}

func TestPollOnceEnqueuesWhenCaughtUp(t *testing.T) {
	kv := newFakeKV()
	tree, proofs, root := buildTreeAndProofs(t, 3)
	for i := 0; i < 3; i++ {
		msg := api.Message{DestinationDomain: 9, Nonce: uint32(i), LeafIndex: uint32(i), Body: []byte{byte(i)}}
		if err := kv.WriteMessage(context.Background(), msg); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		if err := kv.WriteProof(context.Background(), uint32(i), proofs[i]); err != nil {
			t.Fatalf("WriteProof: %v", err)
		}
	}

	submit := make(chan SubmitMessageOp, 3)
	cp := &api.MultisigSignedCheckpoint{Checkpoint: api.Checkpoint{Index: 2, Root: root}}
	p, err := New(Config{
		KV:          kv,
		Destination: 9,
		Inbox:       &fakeInbox{acceptable: map[api.Hash256]bool{root: true}},
		Checkpoints: &fakeCheckpointSource{cp: cp},
		Proofs:      &fakeProofSource{tree: tree},
		Submit:      submit,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		o, err := p.pollOnce(context.Background())
		if err != nil {
			t.Fatalf("pollOnce: %v", err)
		}
		if o != outcomeEnqueued {
			t.Fatalf("pollOnce[%d] = %v, want outcomeEnqueued", i, o)
		}
	}
	if len(submit) != 3 {
		t.Fatalf("submit channel has %d ops, want 3", len(submit))
	}
}

func TestPollOnceRepeatsWhenCheckpointStale(t *testing.T) {
	kv := newFakeKV()
	tree, proofs, _ := buildTreeAndProofs(t, 1)
	msg := api.Message{DestinationDomain: 9, Nonce: 0, LeafIndex: 0, Body: []byte{0}}
	kv.WriteMessage(context.Background(), msg)
	kv.WriteProof(context.Background(), 0, proofs[0])

	submit := make(chan SubmitMessageOp, 1)
	p, err := New(Config{
		KV:          kv,
		Destination: 9,
		Inbox:       &fakeInbox{},
		Checkpoints: &fakeCheckpointSource{cp: nil},
		Proofs:      &fakeProofSource{tree: tree},
		Submit:      submit,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o, err := p.pollOnce(context.Background())
	if err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if o != outcomeRepeat {
		t.Fatalf("pollOnce = %v, want outcomeRepeat (no checkpoint yet)", o)
	}
	if len(submit) != 0 {
		t.Fatalf("submit channel should be empty, got %d", len(submit))
	}
}

func TestPollOnceSkipsDeniedSender(t *testing.T) {
	kv := newFakeKV()
	tree, proofs, root := buildTreeAndProofs(t, 1)
	sender := api.Hash256{0xaa}
	msg := api.Message{DestinationDomain: 9, Nonce: 0, LeafIndex: 0, Sender: sender}
	kv.WriteMessage(context.Background(), msg)
	kv.WriteProof(context.Background(), 0, proofs[0])

	submit := make(chan SubmitMessageOp, 1)
	cp := &api.MultisigSignedCheckpoint{Checkpoint: api.Checkpoint{Index: 0, Root: root}}
	p, err := New(Config{
		KV:          kv,
		Destination: 9,
		Inbox:       &fakeInbox{acceptable: map[api.Hash256]bool{root: true}},
		Checkpoints: &fakeCheckpointSource{cp: cp},
		Proofs:      &fakeProofSource{tree: tree},
		Filter:      Filter{Denied: map[api.Hash256]bool{sender: true}},
		Submit:      submit,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o, err := p.pollOnce(context.Background())
	if err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if o != outcomeSkipped {
		t.Fatalf("pollOnce = %v, want outcomeSkipped", o)
	}
	n, ok, err := kv.Cursor(context.Background(), 9)
	if err != nil || !ok || n != 1 {
		t.Fatalf("Cursor = (%d, %v), want (1, true)", n, ok)
	}
}

func TestPollOnceIndexOnlyNeverEnqueues(t *testing.T) {
	kv := newFakeKV()
	tree, proofs, root := buildTreeAndProofs(t, 1)
	msg := api.Message{DestinationDomain: 9, Nonce: 0, LeafIndex: 0}
	kv.WriteMessage(context.Background(), msg)
	kv.WriteProof(context.Background(), 0, proofs[0])

	submit := make(chan SubmitMessageOp, 1)
	cp := &api.MultisigSignedCheckpoint{Checkpoint: api.Checkpoint{Index: 0, Root: root}}
	p, err := New(Config{
		KV:          kv,
		Destination: 9,
		Inbox:       &fakeInbox{acceptable: map[api.Hash256]bool{root: true}},
		Checkpoints: &fakeCheckpointSource{cp: cp},
		Proofs:      &fakeProofSource{tree: tree},
		Submit:      submit,
		IndexOnly:   true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o, err := p.pollOnce(context.Background())
	if err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if o != outcomeSkipped {
		t.Fatalf("pollOnce = %v, want outcomeSkipped", o)
	}
	if len(submit) != 0 {
		t.Fatalf("index_only must never enqueue, got %d ops", len(submit))
	}
}

// TestPollOnceMatchesLaggingCheckpointAfterTipGrows is the realistic case: a
// checkpoint is taken, then the tip keeps growing before the processor gets
// around to looking at it. The KV-resident proof_by_leaf row for leaf 0 is
// only ever written once, at size 1 (leaf_index+1); it is never rewritten as
// later leaves are appended. The checkpoint covers size 1 too, but the tree
// has since grown to size 5. pollOnce must still enqueue leaf 0: it asks the
// live ProofSource for a proof sized to the checkpoint, not whatever the tip
// happens to be.
func TestPollOnceMatchesLaggingCheckpointAfterTipGrows(t *testing.T) {
	tree := merkle.New()
	kv := newFakeKV()

	msg := api.Message{DestinationDomain: 9, Nonce: 0, LeafIndex: 0}
	tree.Append(msg.LeafHash())
	proof0, err := tree.ProofAtSize(0, 1)
	if err != nil {
		t.Fatalf("ProofAtSize(0, 1): %v", err)
	}
	if err := kv.WriteMessage(context.Background(), msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := kv.WriteProof(context.Background(), 0, proof0); err != nil {
		t.Fatalf("WriteProof: %v", err)
	}
	rootAtCheckpoint, err := tree.Root(1)
	if err != nil {
		t.Fatalf("Root(1): %v", err)
	}
	cp := &api.MultisigSignedCheckpoint{Checkpoint: api.Checkpoint{Index: 0, Root: rootAtCheckpoint}}

	// The tip grows well past the checkpoint before the processor polls.
	for i := 1; i < 5; i++ {
		tree.Append(api.Message{DestinationDomain: 9, Nonce: uint32(i), LeafIndex: uint32(i), Body: []byte{byte(i)}}.LeafHash())
	}

	submit := make(chan SubmitMessageOp, 1)
	p, err := New(Config{
		KV:          kv,
		Destination: 9,
		Inbox:       &fakeInbox{acceptable: map[api.Hash256]bool{rootAtCheckpoint: true}},
		Checkpoints: &fakeCheckpointSource{cp: cp},
		Proofs:      &fakeProofSource{tree: tree},
		Submit:      submit,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o, err := p.pollOnce(context.Background())
	if err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if o != outcomeEnqueued {
		t.Fatalf("pollOnce = %v, want outcomeEnqueued (checkpoint-sized proof must still match despite tip growth)", o)
	}
	if len(submit) != 1 {
		t.Fatalf("submit channel has %d ops, want 1", len(submit))
	}
}
