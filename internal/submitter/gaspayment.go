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

package submitter

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/db"
	"github.com/abacus-network/relayer/internal/chain"
)

// GasPaymentIndexer bridges an on-chain GasPaymaster view into the
// GasPayments KV table Serial's optional precondition reads, so the
// submitter itself never has to touch chain state directly. It walks global
// leaf indices from 0, one leaf per tick and regardless of destination,
// asking the paymaster whether each has been paid, and persists the first
// positive answer it sees; it does not move past a leaf until that leaf is
// recorded as paid. A leaf's payment state is never un-recorded once
// observed as paid.
type GasPaymentIndexer struct {
	kv        db.KV
	payments  db.GasPaymentStore
	paymaster chain.GasPaymaster
	interval  time.Duration

	next uint32
}

// NewGasPaymentIndexer returns an indexer starting from leaf 0.
func NewGasPaymentIndexer(kv db.KV, payments db.GasPaymentStore, paymaster chain.GasPaymaster, interval time.Duration) *GasPaymentIndexer {
	return &GasPaymentIndexer{kv: kv, payments: payments, paymaster: paymaster, interval: interval}
}

// Run loops until ctx is cancelled, polling at i.interval.
func (i *GasPaymentIndexer) Run(ctx context.Context) error {
	t := time.NewTicker(i.interval)
	defer t.Stop()
	for {
		if err := i.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (i *GasPaymentIndexer) tick(ctx context.Context) error {
	msg, ok, err := i.kv.MessageByLeaf(ctx, i.next)
	if err != nil {
		return fmt.Errorf("gaspayment: MessageByLeaf(%d): %w", i.next, err)
	}
	if !ok {
		return nil
	}

	paid, ok, err := i.payments.IsPaid(ctx, i.next)
	if err != nil {
		return fmt.Errorf("gaspayment: IsPaid(%d): %w", i.next, err)
	}
	if ok && paid {
		i.next++
		return nil
	}

	onChainPaid, err := i.paymaster.IsPaid(ctx, i.next)
	if err != nil {
		klog.Warningf("gaspayment: paymaster.IsPaid(%d): %v", i.next, err)
		return nil
	}
	if !onChainPaid {
		return nil
	}
	if err := i.payments.MarkPaid(ctx, i.next); err != nil {
		return fmt.Errorf("gaspayment: MarkPaid(%d): %w", i.next, err)
	}
	klog.V(1).Infof("gaspayment: leaf %d (origin %d) marked paid", i.next, msg.OriginDomain)
	i.next++
	return nil
}
