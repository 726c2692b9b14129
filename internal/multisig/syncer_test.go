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

package multisig

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/checkpointstore"
)

// memStore is an in-memory checkpointstore.Store for tests.
type memStore struct {
	byIndex map[uint32]api.SignedCheckpoint
	latest  uint32
	hasAny  bool
}

func newMemStore() *memStore { return &memStore{byIndex: map[uint32]api.SignedCheckpoint{}} }

func (m *memStore) LatestIndex(ctx context.Context) (uint32, error) {
	if !m.hasAny {
		return 0, checkpointstore.ErrNotFound
	}
	return m.latest, nil
}

func (m *memStore) Fetch(ctx context.Context, index uint32) (api.SignedCheckpoint, error) {
	sc, ok := m.byIndex[index]
	if !ok {
		return api.SignedCheckpoint{}, checkpointstore.ErrNotFound
	}
	return sc, nil
}

func (m *memStore) Write(ctx context.Context, sc api.SignedCheckpoint) error {
	m.byIndex[sc.Checkpoint.Index] = sc
	m.latest = sc.Checkpoint.Index
	m.hasAny = true
	return nil
}

func signCheckpoint(t *testing.T, key *ecdsa.PrivateKey, cp api.Checkpoint) api.Signature {
	t.Helper()
	digest := cp.SigningHash()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		t.Fatalf("crypto.Sign: %v", err)
	}
	var out api.Signature
	copy(out.R[:], sig[0:32])
	copy(out.S[:], sig[32:64])
	out.V = sig[64]
	return out
}

func TestLatestMultisigHappyPath(t *testing.T) {
	k1, _ := crypto.GenerateKey()
	k2, _ := crypto.GenerateKey()
	k3, _ := crypto.GenerateKey()
	a1, a2, a3 := crypto.PubkeyToAddress(k1.PublicKey), crypto.PubkeyToAddress(k2.PublicKey), crypto.PubkeyToAddress(k3.PublicKey)

	s1, s2, s3 := newMemStore(), newMemStore(), newMemStore()
	backends := map[common.Address]checkpointstore.Store{a1: s1, a2: s2, a3: s3}

	cp := api.Checkpoint{OriginDomain: 1, Index: 0}
	cp.Root[0] = 0xAA

	for key, s := range map[*ecdsa.PrivateKey]*memStore{k1: s1, k2: s2} {
		sc := api.SignedCheckpoint{Checkpoint: cp, Signature: signCheckpoint(t, key, cp)}
		if err := s.Write(context.Background(), sc); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// s3 (V3) stays silent.

	syncer, err := New(backends, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msc, ok, err := syncer.LatestMultisig(context.Background(), 0)
	if err != nil || !ok {
		t.Fatalf("LatestMultisig: ok=%v err=%v", ok, err)
	}
	if len(msc.Signatures) != 2 {
		t.Fatalf("len(Signatures) = %d, want 2", len(msc.Signatures))
	}
	for _, vs := range msc.Signatures {
		if vs.Address == a3 {
			t.Fatalf("silent validator a3 should not be present in signatures")
		}
	}
	for i := 1; i < len(msc.Signatures); i++ {
		prev, cur := msc.Signatures[i-1].Address, msc.Signatures[i].Address
		if bytes.Compare(prev.Bytes(), cur.Bytes()) >= 0 {
			t.Fatalf("Signatures not strictly sorted by address: %s then %s", prev, cur)
		}
	}
}

func TestLatestMultisigQuorumFailure(t *testing.T) {
	k1, _ := crypto.GenerateKey()
	k2, _ := crypto.GenerateKey()
	a1, a2 := crypto.PubkeyToAddress(k1.PublicKey), crypto.PubkeyToAddress(k2.PublicKey)

	s1, s2 := newMemStore(), newMemStore()
	backends := map[common.Address]checkpointstore.Store{a1: s1, a2: s2}

	cp1 := api.Checkpoint{Index: 0}
	cp1.Root[0] = 0x01
	cp2 := api.Checkpoint{Index: 0}
	cp2.Root[0] = 0x02

	s1.Write(context.Background(), api.SignedCheckpoint{Checkpoint: cp1, Signature: signCheckpoint(t, k1, cp1)})
	s2.Write(context.Background(), api.SignedCheckpoint{Checkpoint: cp2, Signature: signCheckpoint(t, k2, cp2)})

	syncer, err := New(backends, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, ok, err := syncer.LatestMultisig(context.Background(), 0)
	if err != nil {
		t.Fatalf("LatestMultisig: %v", err)
	}
	if ok {
		t.Fatalf("LatestMultisig should not reach quorum when roots disagree")
	}
}

func TestLatestMultisigThresholdOne(t *testing.T) {
	k1, _ := crypto.GenerateKey()
	a1 := crypto.PubkeyToAddress(k1.PublicKey)
	s1 := newMemStore()
	backends := map[common.Address]checkpointstore.Store{a1: s1}

	cp := api.Checkpoint{Index: 5}
	s1.Write(context.Background(), api.SignedCheckpoint{Checkpoint: cp, Signature: signCheckpoint(t, k1, cp)})

	syncer, err := New(backends, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msc, ok, err := syncer.LatestMultisig(context.Background(), 0)
	if err != nil || !ok || msc.Checkpoint.Index != 5 {
		t.Fatalf("LatestMultisig = (%+v, %v, %v)", msc, ok, err)
	}
}

func TestInvalidThresholdRejected(t *testing.T) {
	if _, err := New(map[common.Address]checkpointstore.Store{}, 1); err == nil {
		t.Fatalf("New with threshold > len(backends) should fail")
	}
}
