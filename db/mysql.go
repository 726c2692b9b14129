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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
)

const (
	selectMessageByLeafSQL = "SELECT `origin_domain`, `sender`, `destination_domain`, `recipient`, `nonce`, `body` " +
		"FROM `MessagesByLeaf` WHERE `leaf_index` = ?"
	selectMessageByNonceSQL = "SELECT `leaf_index`, `origin_domain`, `sender`, `recipient`, `body` " +
		"FROM `MessagesByLeaf` WHERE `destination_domain` = ? AND `nonce` = ?"
	selectLeafByNonceSQL = "SELECT `leaf_index` FROM `MessagesByLeaf` WHERE `destination_domain` = ? AND `nonce` = ?"
	insertMessageSQL     = "INSERT INTO `MessagesByLeaf` " +
		"(`leaf_index`, `origin_domain`, `sender`, `destination_domain`, `recipient`, `nonce`, `body`, `leaf_hash`) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?)"

	selectProofByLeafSQL = "SELECT `proof` FROM `ProofsByLeaf` WHERE `leaf_index` = ?"
	replaceProofSQL      = "REPLACE INTO `ProofsByLeaf` (`leaf_index`, `proof`) VALUES (?, ?)"

	selectCursorSQL = "SELECT `next_message_nonce` FROM `Cursors` WHERE `destination_domain` = ?"
	replaceCursorSQL = "REPLACE INTO `Cursors` (`destination_domain`, `next_message_nonce`) VALUES (?, ?)"

	selectGasPaidSQL = "SELECT `paid` FROM `GasPayments` WHERE `leaf_index` = ?"
	replaceGasPaidSQL = "REPLACE INTO `GasPayments` (`leaf_index`, `paid`) VALUES (?, TRUE)"
)

// Store is a MySQL-backed implementation of KV, mirroring the table and
// query shape of Tessera's own MySQL storage: one connection pool, plain
// SELECT/REPLACE INTO statements, no ORM.
type Store struct {
	db *sql.DB
}

var _ KV = (*Store)(nil)
var _ GasPaymentStore = (*Store)(nil)

// New wraps db as a Store, verifying connectivity and the schema version.
func New(ctx context.Context, sqlDB *sql.DB) (*Store, error) {
	s := &Store{db: sqlDB}
	if err := s.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertSchemaVersionSQL, schemaCompatibilityVersion); err != nil {
		return fmt.Errorf("seed schema version: %w", err)
	}
	row := s.db.QueryRowContext(ctx, selectSchemaVersionSQL)
	var got int
	if err := row.Scan(&got); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if got != schemaCompatibilityVersion {
		return fmt.Errorf("db has schema version %d, this binary requires %d", got, schemaCompatibilityVersion)
	}
	return nil
}

func (s *Store) MessageByLeaf(ctx context.Context, leafIndex uint32) (api.Message, bool, error) {
	row := s.db.QueryRowContext(ctx, selectMessageByLeafSQL, leafIndex)
	var m api.Message
	var sender, recipient []byte
	if err := row.Scan(&m.OriginDomain, &sender, &m.DestinationDomain, &recipient, &m.Nonce, &m.Body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Message{}, false, nil
		}
		return api.Message{}, false, fmt.Errorf("scan message by leaf %d: %w", leafIndex, err)
	}
	copy(m.Sender[:], sender)
	copy(m.Recipient[:], recipient)
	m.LeafIndex = leafIndex
	return m, true, nil
}

func (s *Store) MessageByNonce(ctx context.Context, destination api.Domain, nonce uint32) (api.Message, bool, error) {
	row := s.db.QueryRowContext(ctx, selectMessageByNonceSQL, uint32(destination), nonce)
	var m api.Message
	var sender, recipient []byte
	if err := row.Scan(&m.LeafIndex, &m.OriginDomain, &sender, &recipient, &m.Body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Message{}, false, nil
		}
		return api.Message{}, false, fmt.Errorf("scan message by nonce (%d,%d): %w", destination, nonce, err)
	}
	copy(m.Sender[:], sender)
	copy(m.Recipient[:], recipient)
	m.DestinationDomain = destination
	m.Nonce = nonce
	return m, true, nil
}

func (s *Store) LeafByNonce(ctx context.Context, destination api.Domain, nonce uint32) (uint32, bool, error) {
	row := s.db.QueryRowContext(ctx, selectLeafByNonceSQL, uint32(destination), nonce)
	var leaf uint32
	if err := row.Scan(&leaf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("scan leaf by nonce (%d,%d): %w", destination, nonce, err)
	}
	return leaf, true, nil
}

func (s *Store) WriteMessage(ctx context.Context, msg api.Message) error {
	leafHash := msg.LeafHash()
	_, err := s.db.ExecContext(ctx, insertMessageSQL,
		msg.LeafIndex, uint32(msg.OriginDomain), msg.Sender[:], uint32(msg.DestinationDomain),
		msg.Recipient[:], msg.Nonce, msg.Body, leafHash[:])
	if err != nil {
		return fmt.Errorf("insert message leaf %d: %w", msg.LeafIndex, err)
	}
	return nil
}

func (s *Store) ProofByLeaf(ctx context.Context, leafIndex uint32) (api.Proof, bool, error) {
	row := s.db.QueryRowContext(ctx, selectProofByLeafSQL, leafIndex)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Proof{}, false, nil
		}
		return api.Proof{}, false, fmt.Errorf("scan proof by leaf %d: %w", leafIndex, err)
	}
	var p api.Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return api.Proof{}, false, fmt.Errorf("unmarshal proof for leaf %d: %w", leafIndex, err)
	}
	return p, true, nil
}

func (s *Store) WriteProof(ctx context.Context, leafIndex uint32, proof api.Proof) error {
	raw, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("marshal proof for leaf %d: %w", leafIndex, err)
	}
	if _, err := s.db.ExecContext(ctx, replaceProofSQL, leafIndex, raw); err != nil {
		return fmt.Errorf("replace proof for leaf %d: %w", leafIndex, err)
	}
	return nil
}

func (s *Store) Cursor(ctx context.Context, destination api.Domain) (uint32, bool, error) {
	row := s.db.QueryRowContext(ctx, selectCursorSQL, uint32(destination))
	var nonce uint32
	if err := row.Scan(&nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("scan cursor for destination %d: %w", destination, err)
	}
	return nonce, true, nil
}

func (s *Store) WriteCursor(ctx context.Context, destination api.Domain, nextNonce uint32) error {
	if _, err := s.db.ExecContext(ctx, replaceCursorSQL, uint32(destination), nextNonce); err != nil {
		return fmt.Errorf("replace cursor for destination %d: %w", destination, err)
	}
	klog.V(2).Infof("cursor(%d) -> %d", destination, nextNonce)
	return nil
}

func (s *Store) IsPaid(ctx context.Context, leafIndex uint32) (bool, bool, error) {
	row := s.db.QueryRowContext(ctx, selectGasPaidSQL, leafIndex)
	var paid bool
	if err := row.Scan(&paid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("scan gas payment for leaf %d: %w", leafIndex, err)
	}
	return paid, true, nil
}

func (s *Store) MarkPaid(ctx context.Context, leafIndex uint32) error {
	if _, err := s.db.ExecContext(ctx, replaceGasPaidSQL, leafIndex); err != nil {
		return fmt.Errorf("mark gas paid for leaf %d: %w", leafIndex, err)
	}
	return nil
}
