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

// Package api contains the wire types shared between the relayer core and
// its validator-signed checkpoint backends.
package api

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain is an opaque chain identifier. It is not an EVM chain ID.
type Domain uint32

// Hash256 is a 32-byte digest, used for leaf hashes, roots and addresses
// padded to 32 bytes.
type Hash256 [32]byte

func (h Hash256) String() string { return "0x" + common.Bytes2Hex(h[:]) }

// MarshalJSON renders the hash as a 0x-prefixed hex string.
func (h Hash256) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses a 0x-prefixed hex string into the hash.
func (h *Hash256) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw := common.FromHex(s)
	if len(raw) != 32 {
		return fmt.Errorf("hash256: want 32 bytes, got %d", len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Message is an immutable cross-chain message committed to the origin
// outbox's accumulator.
type Message struct {
	OriginDomain      Domain  `json:"origin_domain"`
	Sender            Hash256 `json:"sender"`
	DestinationDomain Domain  `json:"destination_domain"`
	Recipient         Hash256 `json:"recipient"`
	// Nonce is dense and monotonic per (OriginDomain, DestinationDomain).
	Nonce uint32 `json:"nonce"`
	Body  []byte `json:"body"`
	// LeafIndex is the message's position in the origin's global accumulator.
	LeafIndex uint32 `json:"leaf_index"`
}

// LeafHash computes the canonical leaf hash of the message, caching nothing:
// callers that need it repeatedly should store the result alongside the
// message.
func (m Message) LeafHash() Hash256 {
	h := sha256.New()
	var domainBuf [4]byte
	binary.BigEndian.PutUint32(domainBuf[:], uint32(m.OriginDomain))
	h.Write(domainBuf[:])
	h.Write(m.Sender[:])
	binary.BigEndian.PutUint32(domainBuf[:], uint32(m.DestinationDomain))
	h.Write(domainBuf[:])
	h.Write(m.Recipient[:])
	binary.BigEndian.PutUint32(domainBuf[:], m.Nonce)
	h.Write(domainBuf[:])
	h.Write(m.Body)
	var out Hash256
	copy(out[:], h.Sum(nil))
	return out
}

// CommittedMessage is a Message as surfaced by the Indexer/OutboxContract,
// i.e. before it has necessarily been durably written to the KV store.
type CommittedMessage = Message

// Checkpoint is a snapshot of the outbox accumulator at a given index.
type Checkpoint struct {
	OriginDomain  Domain  `json:"outbox_domain"`
	OutboxAddress Hash256 `json:"outbox_address"`
	Root          Hash256 `json:"root"`
	Index         uint32  `json:"index"`
}

// signingDomainSeparator is mixed into every checkpoint signature so that
// signatures cannot be replayed across unrelated signing contexts.
var signingDomainSeparator = [32]byte{'A', 'B', 'A', 'C', 'U', 'S'}

// SigningHash returns the digest a validator signs over: the checkpoint's
// (outbox_address, root, index) plus the fixed domain separator.
func (c Checkpoint) SigningHash() Hash256 {
	h := sha256.New()
	h.Write(signingDomainSeparator[:])
	h.Write(c.OutboxAddress[:])
	h.Write(c.Root[:])
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], c.Index)
	h.Write(idxBuf[:])
	var out Hash256
	copy(out[:], h.Sum(nil))
	return out
}

// Signature is a recoverable ECDSA signature in the (r, s, v) shape used by
// the checkpoint wire format.
type Signature struct {
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
	V uint8       `json:"v"`
}

// bytes65 renders the signature in the 65-byte [R || S || V] layout that
// go-ethereum's crypto.SigToPub expects, with V normalized to {0,1}.
func (s Signature) bytes65() []byte {
	out := make([]byte, 65)
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	v := s.V
	if v >= 27 {
		v -= 27
	}
	out[64] = v
	return out
}

// RecoverAddress recovers the signer's address from the signature over digest.
func (s Signature) RecoverAddress(digest Hash256) (common.Address, error) {
	pub, err := crypto.SigToPub(digest[:], s.bytes65())
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignedCheckpoint is a Checkpoint plus one validator's signature over it.
type SignedCheckpoint struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Signature  Signature  `json:"signature"`
}

// ValidatorSignature pairs a recovered validator address with the signature
// that recovered to it.
type ValidatorSignature struct {
	Address   common.Address `json:"validator"`
	Signature Signature      `json:"signature"`
}

// MultisigSignedCheckpoint is a Checkpoint plus an ordered set of distinct
// validator signatures, all covering the same (root, index), whose recovered
// addresses form a superset of a configured validator set of size >= threshold.
// Signatures is sorted by validator address, ascending.
type MultisigSignedCheckpoint struct {
	Checkpoint Checkpoint           `json:"checkpoint"`
	Signatures []ValidatorSignature `json:"signatures"`
}

// Proof is an inclusion proof for a single leaf against the accumulator.
type Proof struct {
	Leaf  Hash256     `json:"leaf"`
	Index uint32      `json:"index"`
	Path  [32]Hash256 `json:"path"`
}

// MessageStatus is the tri-state lifecycle of a message as seen by an inbox.
type MessageStatus int

const (
	MessageStatusNone MessageStatus = iota
	MessageStatusProven
	MessageStatusProcessed
)

func (s MessageStatus) String() string {
	switch s {
	case MessageStatusNone:
		return "None"
	case MessageStatusProven:
		return "Proven"
	case MessageStatusProcessed:
		return "Processed"
	default:
		return "Unknown"
	}
}

// TxOutcome is the result of submitting a process() transaction.
type TxOutcome struct {
	TxID     Hash256
	Executed bool
}

// OutboxState is surfaced as a gauge only; it has no bearing on core logic.
type OutboxState int

const (
	OutboxStateActive OutboxState = iota
	OutboxStateFailed
)
