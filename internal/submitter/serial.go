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

// Package submitter implements the final delivery stage: consuming
// SubmitMessageOp work units from a MessageProcessor and driving them to
// completion against a destination chain's InboxValidatorManager.
package submitter

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/db"
	"github.com/abacus-network/relayer/internal/chain"
	"github.com/abacus-network/relayer/internal/processor"
)

// gasSafetyMargin is added to every gas estimate to give the gas budget
// logged for a delivered op. Process takes no gas limit; EthereumClient.Process
// pads its own estimate by the same amount.
const gasSafetyMargin = 100_000

// requeueBaseDelay and requeueMaxDelay bound the backoff applied to an op
// pushed back to the tail of the queue after a failed attempt.
const (
	requeueBaseDelay = 5 * time.Second
	requeueMaxDelay  = 10 * time.Minute
)

// CheckpointSource is the subset of checkpointfetcher.Fetcher the submitter
// depends on.
type CheckpointSource interface {
	Latest() *api.MultisigSignedCheckpoint
}

// ProofSource is the subset of proversync.Syncer the submitter depends on: a
// live, size-parameterized proof query sized to the checkpoint currently
// being submitted against, rather than the KV's one-proof-per-leaf row
// (which is only ever valid at size leaf_index+1).
type ProofSource interface {
	ProofAtSize(leafIndex uint32, size uint64) (api.Proof, bool, error)
}

// Metrics is the subset of internal/metrics the serial submitter reports to.
type Metrics interface {
	IncMessagesProcessed(origin, destination api.Domain)
	IncSubmitFailure(origin, destination api.Domain)
}

// Config configures a Serial submitter.
type Config struct {
	KV          db.KV
	Destination api.Domain
	Inbox       chain.InboxContract
	IVM         chain.InboxValidatorManager
	Checkpoints CheckpointSource
	Proofs      ProofSource
	Ops         <-chan processor.SubmitMessageOp
	Metrics     Metrics

	// GasPayments, if set, gates submission on a paid gas record (the
	// optional interchain-gas-payment precondition). Nil disables the check
	// entirely.
	GasPayments db.GasPaymentStore

	// PollInterval governs how often the submitter rechecks its backlog for
	// ops whose backoff has elapsed and tries to pull a fresh op.
	PollInterval time.Duration
}

// pendingOp is a SubmitMessageOp together with the submitter's own retry
// bookkeeping. It never touches the database: state.
type pendingOp struct {
	op        processor.SubmitMessageOp
	attempt   int
	notBefore time.Time
}

// Serial delivers ops one at a time, in FIFO order, retrying a failed op by
// pushing it to the tail of its own backlog rather than blocking the queue
// behind it. It never gives up: an op stays in the backlog, backing off up
// to requeueMaxDelay between attempts, until it succeeds or the process is
// stopped. This is the direct-submission path; see relay.go for the
// hosted-relay variant that does give up after a bounded number of polls.
type Serial struct {
	cfg     Config
	backlog []pendingOp
}

// New returns a Serial submitter reading ops from cfg.Ops.
func New(cfg Config) *Serial {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Serial{cfg: cfg}
}

// Run drains cfg.Ops and the internal backlog until ctx is cancelled or
// cfg.Ops is closed.
func (s *Serial) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		if len(s.backlog) > 0 && !s.backlog[0].notBefore.After(time.Now()) {
			next := s.backlog[0]
			s.backlog = s.backlog[1:]
			s.attempt(ctx, next)
			continue
		}

		select {
		case op, ok := <-s.cfg.Ops:
			if !ok {
				return nil
			}
			s.attempt(ctx, pendingOp{op: op})
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attempt processes one op, pushing it back onto the tail of the backlog
// with a grown backoff on any non-fatal failure.
func (s *Serial) attempt(ctx context.Context, p pendingOp) {
	id := uuid.New()
	if err := s.process(ctx, p.op, id); err != nil {
		klog.Warningf("submitter[%d] op=%s leaf=%d attempt=%d failed: %v", s.cfg.Destination, id, p.op.LeafIndex, p.attempt+1, err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncSubmitFailure(0, s.cfg.Destination)
		}
		p.attempt++
		p.notBefore = time.Now().Add(backoff(p.attempt))
		s.backlog = append(s.backlog, p)
	}
}

func backoff(attempt int) time.Duration {
	d := requeueBaseDelay
	for i := 0; i < attempt && d < requeueMaxDelay; i++ {
		d *= 2
	}
	if d > requeueMaxDelay {
		d = requeueMaxDelay
	}
	return d
}

// process drives a single op to completion or a retryable error.
func (s *Serial) process(ctx context.Context, op processor.SubmitMessageOp, id uuid.UUID) error {
	msg, ok, err := s.cfg.KV.MessageByLeaf(ctx, op.LeafIndex)
	if err != nil {
		return fmt.Errorf("op %s: MessageByLeaf(%d): %w", id, op.LeafIndex, err)
	}
	if !ok {
		return fmt.Errorf("op %s: leaf %d has no message yet", id, op.LeafIndex)
	}

	if s.cfg.GasPayments != nil {
		paid, ok, err := s.cfg.GasPayments.IsPaid(ctx, op.LeafIndex)
		if err != nil {
			return fmt.Errorf("op %s: IsPaid(%d): %w", id, op.LeafIndex, err)
		}
		if !ok || !paid {
			return fmt.Errorf("op %s: leaf %d gas not yet paid", id, op.LeafIndex)
		}
	}

	checkpoint := s.cfg.Checkpoints.Latest()
	if checkpoint == nil || checkpoint.Checkpoint.Index < msg.LeafIndex {
		return fmt.Errorf("op %s: no checkpoint covering leaf %d yet", id, op.LeafIndex)
	}

	// The proof must be sized to this specific checkpoint, not to whatever
	// tip the accumulator has since reached: a proof's path folds to a root
	// independent of any external tree state, so a proof sized to the wrong
	// target never verifies against checkpoint.Checkpoint.Root.
	proof, ok, err := s.cfg.Proofs.ProofAtSize(op.LeafIndex, uint64(checkpoint.Checkpoint.Index)+1)
	if err != nil {
		return fmt.Errorf("op %s: ProofAtSize(%d, %d): %w", id, op.LeafIndex, checkpoint.Checkpoint.Index+1, err)
	}
	if !ok {
		return fmt.Errorf("op %s: leaf %d has no proof at checkpoint size %d yet", id, op.LeafIndex, checkpoint.Checkpoint.Index+1)
	}

	status, err := s.cfg.Inbox.MessageStatus(ctx, msg.LeafHash())
	if err != nil {
		return fmt.Errorf("op %s: MessageStatus: %w", id, err)
	}
	if status == api.MessageStatusProcessed {
		klog.V(1).Infof("submitter[%d] op=%s leaf=%d already processed", s.cfg.Destination, id, op.LeafIndex)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.IncMessagesProcessed(msg.OriginDomain, s.cfg.Destination)
		}
		return nil
	}

	var gasEstimate uint64
	err = retry.Do(func() error {
		g, err := s.cfg.IVM.EstimateGas(ctx, *checkpoint, msg, proof)
		if err != nil {
			return fmt.Errorf("op %s: EstimateGas: %w", id, err)
		}
		gasEstimate = g
		return nil
	}, retry.Attempts(3), retry.DelayType(retry.BackOffDelay), retry.Context(ctx))
	if err != nil {
		return err
	}
	gasEstimate += gasSafetyMargin

	outcome, err := s.cfg.IVM.Process(ctx, *checkpoint, msg, proof)
	if err != nil {
		return fmt.Errorf("op %s: Process: %w", id, err)
	}
	if !outcome.Executed {
		return fmt.Errorf("op %s: Process returned tx %s unexecuted", id, outcome.TxID)
	}

	klog.Infof("submitter[%d] op=%s leaf=%d delivered in tx %s (gas budget %d)", s.cfg.Destination, id, op.LeafIndex, outcome.TxID, gasEstimate)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncMessagesProcessed(msg.OriginDomain, s.cfg.Destination)
	}
	return nil
}
