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

package db

import (
	"context"

	"github.com/abacus-network/relayer/api"
)

// KV is the logical mapping from namespaced keys to typed values the core
// depends on. Every "not found" case is reported as (nil/zero, false, nil):
// absence is an expected, common state (indexer lag, ProverSync lag, a cursor
// never yet created), not an error.
type KV interface {
	// MessageByNonce looks a message up by (destination, nonce). ok is false
	// if the indexer has not yet written it.
	MessageByNonce(ctx context.Context, destination api.Domain, nonce uint32) (msg api.Message, ok bool, err error)

	// MessageByLeaf looks a message up by its global leaf index.
	MessageByLeaf(ctx context.Context, leafIndex uint32) (msg api.Message, ok bool, err error)

	// LeafByNonce resolves (destination, nonce) to a leaf index without
	// paying for the full message body.
	LeafByNonce(ctx context.Context, destination api.Domain, nonce uint32) (leafIndex uint32, ok bool, err error)

	// ProofByLeaf looks up the inclusion proof ProverSync produced for a leaf.
	ProofByLeaf(ctx context.Context, leafIndex uint32) (proof api.Proof, ok bool, err error)

	// Cursor returns the next_message_nonce cursor for a destination. ok is
	// false if the cursor has never been written (lazily initialized to 0 by
	// the caller).
	Cursor(ctx context.Context, destination api.Domain) (nextNonce uint32, ok bool, err error)

	// WriteMessage durably records a message. The indexer is the sole writer
	// of this view; callers must not call it twice for the same leaf index
	// with different content.
	WriteMessage(ctx context.Context, msg api.Message) error

	// WriteProof durably records the inclusion proof for a leaf. ProverSync
	// is the sole writer of this view.
	WriteProof(ctx context.Context, leafIndex uint32, proof api.Proof) error

	// WriteCursor advances a destination's cursor. Each destination's
	// MessageProcessor is the sole writer of its own cursor; callers must
	// never write a value smaller than the one already stored.
	WriteCursor(ctx context.Context, destination api.Domain, nextNonce uint32) error
}

// GasPaymentStore is the KV view backing the submitter's optional
// gas-payment precondition. It is written by an interchain gas paymaster
// indexer (internal/submitter's GasPaymentIndexer, via MarkPaid); the
// serial submitter consumes it purely as a predicate.
type GasPaymentStore interface {
	// IsPaid reports whether leafIndex has a recorded, sufficient gas
	// payment. Absence (ok=false) means "unknown", which callers should
	// treat the same as "not yet paid".
	IsPaid(ctx context.Context, leafIndex uint32) (paid bool, ok bool, err error)

	// MarkPaid records that leafIndex's gas payment has been observed.
	MarkPaid(ctx context.Context, leafIndex uint32) error
}
