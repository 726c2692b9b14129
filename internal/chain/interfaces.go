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

// Package chain declares the external collaborator interfaces the core
// depends on but does not implement: the chain RPC client layer, abstracted
// as capability sets over an origin Outbox, a destination Inbox, and an
// Indexer. Concrete implementations (an Ethereum JSON-RPC binding, a mock for
// tests, ...) live outside this module's specified core.
package chain

import (
	"context"

	"github.com/abacus-network/relayer/api"
)

// OutboxContract views the origin Outbox: committed-message lookup by nonce,
// and outbox health as a gauge-only signal. The MessageProcessor does not
// use it; it reads committed messages from db.KV.
type OutboxContract interface {
	// MessageByNonce may be served from an indexed cache rather than chain
	// state directly.
	MessageByNonce(ctx context.Context, destination api.Domain, nonce uint32) (api.CommittedMessage, bool, error)

	// State reports Active/Failed; it has no bearing on core logic, it is
	// surfaced purely as a metric.
	State(ctx context.Context) (api.OutboxState, error)
}

// InboxContract is consumed by the serial submitter.
type InboxContract interface {
	// AcceptableRoot reports whether the inbox will currently verify proofs
	// against root (i.e. it has received a checkpoint committing to it).
	AcceptableRoot(ctx context.Context, root api.Hash256) (bool, error)

	// MessageStatus reports the inbox's view of a message's delivery state.
	MessageStatus(ctx context.Context, leafHash api.Hash256) (api.MessageStatus, error)
}

// InboxValidatorManager is consumed by the serial submitter to actually
// deliver a proven message.
type InboxValidatorManager interface {
	// Process submits (checkpoint, message, proof) to the destination
	// inbox's validator manager contract.
	Process(ctx context.Context, checkpoint api.MultisigSignedCheckpoint, message api.Message, proof api.Proof) (api.TxOutcome, error)

	// EstimateGas estimates the gas cost of a Process call, before any
	// safety margin is applied.
	EstimateGas(ctx context.Context, checkpoint api.MultisigSignedCheckpoint, message api.Message, proof api.Proof) (uint64, error)
}

// Indexer surfaces committed messages and chain height for an origin chain.
// It is the sole writer of the messages KV namespace.
type Indexer interface {
	// FetchSortedMessages returns committed messages in [fromBlock, toBlock]
	// ordered by leaf index.
	FetchSortedMessages(ctx context.Context, fromBlock, toBlock uint64) ([]api.CommittedMessage, error)

	// GetBlockNumber returns the origin chain's current block height.
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// GasPaymaster is consumed by the submitter's optional gas-payment
// precondition: a narrow view over the interchain gas paymaster's KV record
// for a message.
type GasPaymaster interface {
	// IsPaid reports whether sufficient interchain gas has been paid for
	// leafIndex to cover delivery.
	IsPaid(ctx context.Context, leafIndex uint32) (bool, error)
}
