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

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
	"github.com/abacus-network/relayer/db"
	"github.com/abacus-network/relayer/internal/processor"
)

// maxRelayPolls bounds how many times Relay polls a hosted job for
// completion before permanently dropping it: a third-party relay service's
// outage is not this process's problem to retry indefinitely, unlike
// Serial's direct-submission policy of never giving up.
const maxRelayPolls = 20

// defaultRelayPollInterval is how often Relay polls a submitted job's status
// when RelayConfig.PollInterval is unset.
const defaultRelayPollInterval = 15 * time.Second

// RelayClient is a narrow view over a hosted interchain-relay service: submit
// a proven message for asynchronous delivery, then poll a job handle for its
// outcome. A concrete client (HTTP, gRPC, ...) lives outside this module's
// specified core.
type RelayClient interface {
	// SubmitJob asks the hosted relay to deliver message with proof against
	// checkpoint, returning an opaque job handle.
	SubmitJob(ctx context.Context, checkpoint api.MultisigSignedCheckpoint, message api.Message, proof api.Proof) (jobID string, err error)

	// PollJob reports whether jobID has finished, and if so, its outcome.
	PollJob(ctx context.Context, jobID string) (done bool, outcome api.TxOutcome, err error)
}

// DropMetrics is the subset of internal/metrics the Relay submitter reports
// permanently-dropped ops to.
type DropMetrics interface {
	IncMessagesDropped(origin, destination api.Domain)
}

// RelayConfig configures a Relay submitter.
type RelayConfig struct {
	KV          db.KV
	Destination api.Domain
	Client      RelayClient
	Checkpoints CheckpointSource
	Proofs      ProofSource
	Ops         <-chan processor.SubmitMessageOp
	Metrics     Metrics
	Drops       DropMetrics

	// PollInterval overrides defaultRelayPollInterval; tests use this to
	// avoid waiting in real time.
	PollInterval time.Duration
}

// Relay delivers ops via a hosted relay service. Unlike Serial, a job that
// fails to complete within maxRelayPolls is dropped permanently: there is no
// backlog, and no op is retried beyond that bound.
type Relay struct {
	cfg RelayConfig
}

// NewRelay returns a Relay submitter reading ops from cfg.Ops.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultRelayPollInterval
	}
	return &Relay{cfg: cfg}
}

// Run drains cfg.Ops, submitting and polling each job to completion (or
// permanent drop) before pulling the next one, until ctx is cancelled or
// cfg.Ops is closed.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case op, ok := <-r.cfg.Ops:
			if !ok {
				return nil
			}
			if err := r.deliver(ctx, op); err != nil {
				klog.Warningf("relay submitter[%d] leaf=%d: %v", r.cfg.Destination, op.LeafIndex, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relay) deliver(ctx context.Context, op processor.SubmitMessageOp) error {
	id := uuid.New()
	msg, ok, err := r.cfg.KV.MessageByLeaf(ctx, op.LeafIndex)
	if err != nil {
		return fmt.Errorf("op %s: MessageByLeaf(%d): %w", id, op.LeafIndex, err)
	}
	if !ok {
		return fmt.Errorf("op %s: leaf %d has no message yet", id, op.LeafIndex)
	}
	checkpoint := r.cfg.Checkpoints.Latest()
	if checkpoint == nil || checkpoint.Checkpoint.Index < msg.LeafIndex {
		return fmt.Errorf("op %s: no checkpoint covering leaf %d yet", id, op.LeafIndex)
	}

	// Sized to this checkpoint specifically, not to the accumulator's
	// current tip; see serial.go's process for why that distinction matters.
	proof, ok, err := r.cfg.Proofs.ProofAtSize(op.LeafIndex, uint64(checkpoint.Checkpoint.Index)+1)
	if err != nil {
		return fmt.Errorf("op %s: ProofAtSize(%d, %d): %w", id, op.LeafIndex, checkpoint.Checkpoint.Index+1, err)
	}
	if !ok {
		return fmt.Errorf("op %s: leaf %d has no proof at checkpoint size %d yet", id, op.LeafIndex, checkpoint.Checkpoint.Index+1)
	}

	jobID, err := r.cfg.Client.SubmitJob(ctx, *checkpoint, msg, proof)
	if err != nil {
		r.drop(msg, "SubmitJob failed: "+err.Error())
		return nil
	}

	for poll := 0; poll < maxRelayPolls; poll++ {
		done, outcome, err := r.cfg.Client.PollJob(ctx, jobID)
		if err != nil {
			klog.Warningf("relay submitter[%d] leaf=%d job=%s poll %d: %v", r.cfg.Destination, op.LeafIndex, jobID, poll, err)
		} else if done {
			if outcome.Executed {
				klog.Infof("relay submitter[%d] leaf=%d job=%s delivered in tx %s", r.cfg.Destination, op.LeafIndex, jobID, outcome.TxID)
				if r.cfg.Metrics != nil {
					r.cfg.Metrics.IncMessagesProcessed(msg.OriginDomain, r.cfg.Destination)
				}
				return nil
			}
			r.drop(msg, fmt.Sprintf("job %s finished unexecuted (tx %s)", jobID, outcome.TxID))
			return nil
		}

		select {
		case <-time.After(r.cfg.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.drop(msg, fmt.Sprintf("job %s did not finish within %d polls", jobID, maxRelayPolls))
	return nil
}

// drop permanently abandons a message: it is not requeued, and the only
// durable record is the dropped-messages counter and this log line.
func (r *Relay) drop(msg api.Message, reason string) {
	klog.Errorf("relay submitter[%d] permanently dropping leaf %d: %s", r.cfg.Destination, msg.LeafIndex, reason)
	if r.cfg.Drops != nil {
		r.cfg.Drops.IncMessagesDropped(msg.OriginDomain, r.cfg.Destination)
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.IncSubmitFailure(msg.OriginDomain, r.cfg.Destination)
	}
}
