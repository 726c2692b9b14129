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

// Package proversync drives the in-memory Merkle accumulator (merkle.Tree)
// from the stream of messages written to the KV store by the indexer, and
// writes an inclusion proof for every leaf back into the KV.
//
// ProverSync rebuilds its tree from scratch on every process start: it never
// persists tree state of its own, only the proofs it derives. Restarting is
// therefore just "replay the KV from leaf 0 again", which is always safe
// because WriteProof is idempotent and MessagesByLeaf is immutable.
package proversync

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/db"
	"github.com/abacus-network/relayer/merkle"
)

// ProgressObserver is notified whenever the tip advances, for the
// last_known_message_leaf_index{phase="proving"} gauge.
type ProgressObserver interface {
	SetLastKnownLeafIndex(phase string, leafIndex uint64)
}

// Syncer drives a merkle.Tree from db-resident messages and writes proofs
// back into db.
type Syncer struct {
	kv       db.KV
	tree     *merkle.Tree
	interval time.Duration
	obs      ProgressObserver
}

// New returns a Syncer that polls kv every interval.
func New(kv db.KV, interval time.Duration, obs ProgressObserver) *Syncer {
	return &Syncer{kv: kv, tree: merkle.New(), interval: interval, obs: obs}
}

// Run loops until ctx is cancelled. Each iteration either appends exactly one
// new leaf (and writes that leaf's own canonical proof, valid forever at
// size leaf_index+1) or sleeps. A corrupt-state detection (the leaf stored in
// the KV disagrees with the leaf the tree already appended at that index) is
// fatal: it signals database corruption or a schema drift the Syncer cannot
// recover from on its own.
func (s *Syncer) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if err := s.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Syncer) tick(ctx context.Context) error {
	tip := s.tree.Count()
	msg, ok, err := s.kv.MessageByLeaf(ctx, uint32(tip))
	if err != nil {
		return fmt.Errorf("proversync: MessageByLeaf(%d): %w", tip, err)
	}
	if !ok {
		// Indexer lag, or a hole the indexer hasn't backfilled yet. Neither
		// is fatal; just wait.
		return nil
	}

	leafHash := msg.LeafHash()
	stored, ok, err := s.kv.ProofByLeaf(ctx, uint32(tip))
	if err != nil {
		return fmt.Errorf("proversync: ProofByLeaf(%d): %w", tip, err)
	}
	if ok && stored.Leaf != leafHash {
		return fmt.Errorf("proversync: stored proof for leaf %d has leaf %x, message hashes to %x: corrupt state", tip, stored.Leaf, leafHash)
	}
	idx := s.tree.Append(leafHash)
	if idx != tip {
		return fmt.Errorf("proversync: tree appended at %d, expected %d: corrupt state", idx, tip)
	}

	newTip := tip + 1
	proof, err := s.tree.ProofAtSize(tip, newTip)
	if err != nil {
		return fmt.Errorf("proversync: ProofAtSize(%d, %d): %w", tip, newTip, err)
	}
	if err := s.writeProofRetrying(ctx, uint32(tip), proof); err != nil {
		return err
	}
	if s.obs != nil {
		s.obs.SetLastKnownLeafIndex("proving", newTip-1)
	}
	klog.V(2).Infof("proversync: advanced to tip %d", newTip)
	return nil
}

// writeProofRetrying retries a proof write a bounded number of times before
// giving up; a persistent write failure after retrying is surfaced to the
// caller (and from there to the supervisor) rather than silently dropped, so
// the observable invariant "a leaf's proof appears within finite time" is
// never silently broken.
func (s *Syncer) writeProofRetrying(ctx context.Context, leafIndex uint32, proof api.Proof) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := s.kv.WriteProof(ctx, leafIndex, proof); err != nil {
			lastErr = err
			klog.Warningf("proversync: WriteProof(%d) attempt %d failed: %v", leafIndex, attempt+1, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("proversync: WriteProof(%d) failed after %d attempts: %w", leafIndex, maxAttempts, lastErr)
}

// ProofAtSize returns a live inclusion proof for leafIndex valid specifically
// against the accumulator root at the given historical size, computed
// on-demand against the still-in-memory tree rather than read from the KV's
// one-proof-per-leaf row (which only ever holds the proof valid at
// size leafIndex+1). Callers gating on a specific checkpoint — the processor
// and the submitters — use this to get a proof that actually matches that
// checkpoint's index, not whatever ProverSync's tip happened to be when the
// KV row was last written. ok is false if size exceeds the tree's current
// count (the Syncer hasn't caught up yet).
func (s *Syncer) ProofAtSize(leafIndex uint32, size uint64) (proof api.Proof, ok bool, err error) {
	if size > s.tree.Count() {
		return api.Proof{}, false, nil
	}
	proof, err = s.tree.ProofAtSize(uint64(leafIndex), size)
	if err != nil {
		return api.Proof{}, false, fmt.Errorf("proversync: ProofAtSize(%d, %d): %w", leafIndex, size, err)
	}
	return proof, true, nil
}
