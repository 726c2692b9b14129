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

// Package db provides typed views over a byte-oriented key/value store:
// messages by nonce, messages by leaf, proofs by leaf, and per-destination
// cursors. Every view is single-writer (the indexer owns messages, ProverSync
// owns proofs, each MessageProcessor owns its own destination's cursor) so no
// cross-view locking is required; the schema is what makes that ownership
// stick.
package db

const schemaCompatibilityVersion = 2

// schemaSQL creates the tables backing the KV views required by the core
// plus the gas-payment ledger the submitter's optional precondition reads.
// It is idempotent: CREATE TABLE IF NOT EXISTS throughout.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS SchemaVersion (
	id INT NOT NULL PRIMARY KEY,
	version INT NOT NULL
);

CREATE TABLE IF NOT EXISTS MessagesByLeaf (
	leaf_index BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	origin_domain INT UNSIGNED NOT NULL,
	sender BINARY(32) NOT NULL,
	destination_domain INT UNSIGNED NOT NULL,
	recipient BINARY(32) NOT NULL,
	nonce INT UNSIGNED NOT NULL,
	body LONGBLOB NOT NULL,
	leaf_hash BINARY(32) NOT NULL,
	KEY idx_destination_nonce (destination_domain, nonce)
);

CREATE TABLE IF NOT EXISTS ProofsByLeaf (
	leaf_index BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	proof LONGBLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS Cursors (
	destination_domain INT UNSIGNED NOT NULL PRIMARY KEY,
	next_message_nonce INT UNSIGNED NOT NULL
);

CREATE TABLE IF NOT EXISTS GasPayments (
	leaf_index BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	paid BOOLEAN NOT NULL
);
`

const insertSchemaVersionSQL = `INSERT INTO SchemaVersion (id, version) VALUES (0, ?) ON DUPLICATE KEY UPDATE version = version`
const selectSchemaVersionSQL = `SELECT version FROM SchemaVersion WHERE id = 0`
