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

// Package multisig implements the Multisig Checkpoint Syncer: it queries a
// validator-address-keyed set of checkpoint storage backends and aggregates
// an M-of-N multisig over the newest index that reaches quorum.
package multisig

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/checkpointstore"
)

// Syncer queries a fixed set of per-validator checkpoint backends and
// produces MultisigSignedCheckpoints that reach a configured quorum.
type Syncer struct {
	// backends maps a validator's address to the single backend it
	// publishes to.
	backends  map[common.Address]checkpointstore.Store
	threshold int
}

// New returns a Syncer over backends, requiring at least threshold matching
// signatures. 1 <= threshold <= len(backends).
func New(backends map[common.Address]checkpointstore.Store, threshold int) (*Syncer, error) {
	if threshold < 1 || threshold > len(backends) {
		return nil, fmt.Errorf("multisig: threshold %d invalid for %d validators", threshold, len(backends))
	}
	return &Syncer{backends: backends, threshold: threshold}, nil
}

// LatestMultisig returns the highest-index MultisigSignedCheckpoint at or
// above minimumIndex that reaches quorum, or (MultisigSignedCheckpoint{},
// false, nil) if none does.
func (s *Syncer) LatestMultisig(ctx context.Context, minimumIndex uint32) (api.MultisigSignedCheckpoint, bool, error) {
	candidates, err := s.candidateIndices(ctx, minimumIndex)
	if err != nil {
		return api.MultisigSignedCheckpoint{}, false, err
	}

	for _, idx := range candidates {
		msc, ok, err := s.quorumAt(ctx, idx)
		if err != nil {
			return api.MultisigSignedCheckpoint{}, false, err
		}
		if ok {
			return msc, true, nil
		}
	}
	return api.MultisigSignedCheckpoint{}, false, nil
}

// candidateIndices polls every backend's LatestIndex in parallel and returns
// the distinct indices at or above minimumIndex, in descending order.
func (s *Syncer) candidateIndices(ctx context.Context, minimumIndex uint32) ([]uint32, error) {
	type result struct {
		idx uint32
		ok  bool
	}
	results := make([]result, len(s.backends))
	addrs := make([]common.Address, 0, len(s.backends))
	for addr := range s.backends {
		addrs = append(addrs, addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			idx, err := s.backends[addr].LatestIndex(gctx)
			if err != nil {
				if err == checkpointstore.ErrNotFound {
					return nil
				}
				klog.Warningf("multisig: LatestIndex from validator %s failed: %v", addr, err)
				return nil
			}
			results[i] = result{idx: idx, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := map[uint32]bool{}
	var out []uint32
	for _, r := range results {
		if !r.ok || r.idx < minimumIndex || seen[r.idx] {
			continue
		}
		seen[r.idx] = true
		out = append(out, r.idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

// rootIndexKey groups signatures by the exact (root, index) pair they cover.
type rootIndexKey struct {
	root  api.Hash256
	index uint32
}

// quorumAt fetches index from every backend, keeps only signatures that
// verify against their declared validator, groups by (root, index), and
// returns the group (if any) that reaches the configured threshold.
func (s *Syncer) quorumAt(ctx context.Context, index uint32) (api.MultisigSignedCheckpoint, bool, error) {
	groups := map[rootIndexKey]map[common.Address]api.Signature{}
	checkpoints := map[rootIndexKey]api.Checkpoint{}

	for addr, backend := range s.backends {
		sc, err := backend.Fetch(ctx, index)
		if err != nil {
			if err == checkpointstore.ErrNotFound {
				continue
			}
			klog.Warningf("multisig: Fetch(%d) from validator %s failed: %v", index, addr, err)
			continue
		}
		if sc.Checkpoint.Index != index {
			klog.Warningf("multisig: validator %s served checkpoint with index %d for request %d, discarding", addr, sc.Checkpoint.Index, index)
			continue
		}

		digest := sc.Checkpoint.SigningHash()
		recovered, err := sc.Signature.RecoverAddress(digest)
		if err != nil {
			klog.Warningf("multisig: signature recovery failed for validator %s at index %d: %v", addr, index, err)
			continue
		}
		if recovered != addr {
			klog.Warningf("multisig: signature at index %d recovers to %s, declared validator is %s, discarding", index, recovered, addr)
			continue
		}

		key := rootIndexKey{root: sc.Checkpoint.Root, index: sc.Checkpoint.Index}
		if groups[key] == nil {
			groups[key] = map[common.Address]api.Signature{}
			checkpoints[key] = sc.Checkpoint
		}
		groups[key][addr] = sc.Signature
	}

	var bestKey rootIndexKey
	var bestSize int
	for key, sigs := range groups {
		if len(sigs) > bestSize {
			bestKey, bestSize = key, len(sigs)
		}
	}
	if bestSize < s.threshold {
		return api.MultisigSignedCheckpoint{}, false, nil
	}

	return api.MultisigSignedCheckpoint{
		Checkpoint: checkpoints[bestKey],
		Signatures: sortedSignatures(groups[bestKey]),
	}, true, nil
}

// sortedSignatures renders a validator-address-keyed signature set as a
// slice in ascending address order: map iteration order is unspecified, but
// callers (calldata encoding, on-wire signature lists) need a deterministic
// one.
func sortedSignatures(sigs map[common.Address]api.Signature) []api.ValidatorSignature {
	addrs := make([]common.Address, 0, len(sigs))
	for addr := range sigs {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0
	})
	out := make([]api.ValidatorSignature, len(addrs))
	for i, addr := range addrs {
		out[i] = api.ValidatorSignature{Address: addr, Signature: sigs[addr]}
	}
	return out
}
