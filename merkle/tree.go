// Copyright 2024 Google LLC. All Rights Reserved.
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

// Package merkle implements the fixed-depth incremental Merkle accumulator
// that mirrors an outbox contract's on-chain accumulator.
package merkle

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/abacus-network/relayer/api"
)

// Depth is the fixed depth of the accumulator, matching the on-chain
// contract's tree.
const Depth = 32

// zeroHashes[i] is the root of an empty subtree of height i. zeroHashes[0]
// is the hash of the empty leaf.
var zeroHashes [Depth + 1]api.Hash256

func init() {
	zeroHashes[0] = leafHash(nil)
	for i := 1; i <= Depth; i++ {
		zeroHashes[i] = innerHash(zeroHashes[i-1], zeroHashes[i-1])
	}
}

func leafHash(data []byte) api.Hash256 {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(data)
	var out api.Hash256
	copy(out[:], h.Sum(nil))
	return out
}

func innerHash(left, right api.Hash256) api.Hash256 {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(left[:])
	h.Write(right[:])
	var out api.Hash256
	copy(out[:], h.Sum(nil))
	return out
}

// Tree is an append-only, fixed-depth binary Merkle accumulator with a
// sparse-zero optimization: any subtree not yet completed is treated as
// having root zeroHashes[level] rather than being stored explicitly.
//
// Tree retains every historical leaf (derived node hashes are recomputed on
// each call, not stored) so that ProofAtSize can reconstruct an inclusion
// proof for leaf i against the root the tree held after any size with
// i < size <= Count().
type Tree struct {
	mu sync.RWMutex

	count uint64
	// leaves holds every leaf hash ever appended, in order. Root and ProofAt
	// fold this into the pyramid above it from scratch on every call.
	leaves []api.Hash256
}

// New returns an empty accumulator.
func New() *Tree {
	return &Tree{}
}

// Count returns the number of leaves appended so far.
func (t *Tree) Count() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Append adds a new leaf to the tree and returns its index. Root and
// ProofAt rebuild the pyramid above the leaves from scratch on every call
// (O(N) per call, so O(N^2) across a full sync) rather than maintaining an
// incremental frontier; see SPEC_FULL.md for why that cost is acceptable here.
func (t *Tree) Append(leaf api.Hash256) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.count
	t.leaves = append(t.leaves, leaf)
	t.count++
	return idx
}

// Root returns the accumulator root after count leaves have been appended.
// count must be <= t.Count().
func (t *Tree) Root(count uint64) (api.Hash256, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootLocked(count)
}

func (t *Tree) rootLocked(count uint64) (api.Hash256, error) {
	if count > t.count {
		return api.Hash256{}, fmt.Errorf("merkle: root requested for count %d beyond current size %d", count, t.count)
	}
	if count == 0 {
		return zeroHashes[Depth], nil
	}

	// Recompute the root by folding the per-level node lists, using
	// zeroHashes to pad any level whose node count is odd at count.
	sizes := make([]uint64, Depth+1)
	sizes[0] = count
	for l := 0; l < Depth; l++ {
		sizes[l+1] = (sizes[l] + 1) / 2
	}

	level := make([]api.Hash256, sizes[0])
	copy(level, t.leaves[:sizes[0]])

	for l := 0; l < Depth; l++ {
		n := sizes[l]
		next := make([]api.Hash256, 0, sizes[l+1])
		for i := uint64(0); i+1 < n; i += 2 {
			next = append(next, innerHash(level[i], level[i+1]))
		}
		if n&1 == 1 {
			next = append(next, innerHash(level[n-1], zeroHashes[l]))
		}
		level = next
	}
	return level[0], nil
}

// ProofAt returns the sibling path needed to verify leaf i against the
// current root. It requires the accumulator to have advanced to at least
// i+1 insertions.
func (t *Tree) ProofAt(i uint64) (api.Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.proofAtLocked(i, t.count)
}

// ProofAtSize returns the sibling path needed to verify leaf i against the
// root the tree held after `size` insertions, where i < size <= t.Count().
// This is what lets ProverSync hand out a proof that verifies against a
// specific historical root rather than always the very latest one.
func (t *Tree) ProofAtSize(i, size uint64) (api.Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.proofAtLocked(i, size)
}

func (t *Tree) proofAtLocked(i, size uint64) (api.Proof, error) {
	if size > t.count {
		return api.Proof{}, fmt.Errorf("merkle: proof requested for size %d beyond current size %d", size, t.count)
	}
	if i >= size {
		return api.Proof{}, fmt.Errorf("merkle: leaf %d not yet covered by size %d", i, size)
	}

	sizes := make([]uint64, Depth+1)
	sizes[0] = size
	for l := 0; l < Depth; l++ {
		sizes[l+1] = (sizes[l] + 1) / 2
	}

	levels := make([][]api.Hash256, Depth+1)
	levels[0] = t.leaves[:sizes[0]]
	for l := 0; l < Depth; l++ {
		n := sizes[l]
		next := make([]api.Hash256, 0, sizes[l+1])
		in := levels[l]
		for idx := uint64(0); idx+1 < n; idx += 2 {
			next = append(next, innerHash(in[idx], in[idx+1]))
		}
		if n&1 == 1 {
			next = append(next, innerHash(in[n-1], zeroHashes[l]))
		}
		levels[l+1] = next
	}

	var path [Depth]api.Hash256
	idx := i
	for l := 0; l < Depth; l++ {
		n := sizes[l]
		sibIdx := idx ^ 1
		if sibIdx < n {
			path[l] = levels[l][sibIdx]
		} else {
			path[l] = zeroHashes[l]
		}
		idx >>= 1
	}

	return api.Proof{
		Leaf:  levels[0][i],
		Index: uint32(i),
		Path:  path,
	}, nil
}

// ComputeRoot folds a proof's sibling path against its leaf, yielding the
// root it commits to. This is a pure function of the proof's own fields: it
// needs no external tree state, which is what lets a MessageProcessor that
// holds no Merkle state of its own derive the root a stored proof commits to
// and compare it against a validator-signed checkpoint's root.
func ComputeRoot(p api.Proof) api.Hash256 {
	hash := p.Leaf
	idx := uint64(p.Index)
	for l := 0; l < Depth; l++ {
		if idx&1 == 1 {
			hash = innerHash(p.Path[l], hash)
		} else {
			hash = innerHash(hash, p.Path[l])
		}
		idx >>= 1
	}
	return hash
}

// VerifyProof checks that p verifies leaf against root when the tree held
// size insertions.
func VerifyProof(p api.Proof, size uint64, root api.Hash256) bool {
	return ComputeRoot(p) == root
}
