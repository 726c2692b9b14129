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

// Package checkpointfetcher polls the Multisig Checkpoint Syncer and
// broadcasts the newest valid checkpoint to every MessageProcessor. The
// broadcast is lossy by design: a consumer that wakes up after several polls
// only ever observes the latest value, never intermediate ones, the same
// shape IntegrationAwaiter uses to coalesce wake-ups for blocked readers.
package checkpointfetcher

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/abacus-network/relayer/api"
)

// Syncer is the subset of multisig.Syncer the fetcher depends on.
type Syncer interface {
	LatestMultisig(ctx context.Context, minimumIndex uint32) (api.MultisigSignedCheckpoint, bool, error)
}

// Fetcher polls a Syncer on an interval and exposes the newest checkpoint it
// has seen to any number of readers via Latest/Wait. There is a single
// writer (Run) and many readers.
type Fetcher struct {
	syncer Syncer
	period time.Duration

	mu                sync.Mutex
	current           *api.MultisigSignedCheckpoint // nil until the first checkpoint is published
	lastPublishedIdx  *uint32
	generation        uint64
	waiterGenerations chan struct{}
}

// New returns a Fetcher that polls syncer every period.
func New(syncer Syncer, period time.Duration) *Fetcher {
	return &Fetcher{
		syncer:            syncer,
		period:            period,
		waiterGenerations: make(chan struct{}),
	}
}

// Latest returns the most recently published checkpoint, or nil if none has
// been published yet.
func (f *Fetcher) Latest() *api.MultisigSignedCheckpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Wait blocks until a checkpoint newer than the one last observed by the
// caller is published, or ctx is cancelled. Pass generation 0 on first call;
// subsequent calls should pass the generation returned previously.
func (f *Fetcher) Wait(ctx context.Context, sinceGeneration uint64) (*api.MultisigSignedCheckpoint, uint64, error) {
	for {
		f.mu.Lock()
		if f.generation > sinceGeneration {
			cp, gen := f.current, f.generation
			f.mu.Unlock()
			return cp, gen, nil
		}
		ch := f.waiterGenerations
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, sinceGeneration, ctx.Err()
		case <-ch:
		}
	}
}

// Run polls the syncer until ctx is cancelled. Every tick it asks for a
// multisig at or above the next unpublished index; if one is found, it is
// published and lastPublishedIndex advances.
func (f *Fetcher) Run(ctx context.Context) error {
	t := time.NewTicker(f.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		minimumIndex := uint32(0)
		f.mu.Lock()
		if f.lastPublishedIdx != nil {
			minimumIndex = *f.lastPublishedIdx + 1
		}
		f.mu.Unlock()

		msc, ok, err := f.syncer.LatestMultisig(ctx, minimumIndex)
		if err != nil {
			klog.Warningf("checkpointfetcher: LatestMultisig failed: %v", err)
			continue
		}
		if !ok {
			continue
		}
		f.publish(msc)
	}
}

func (f *Fetcher) publish(msc api.MultisigSignedCheckpoint) {
	f.mu.Lock()
	idx := msc.Checkpoint.Index
	f.current = &msc
	f.lastPublishedIdx = &idx
	f.generation++
	closed := f.waiterGenerations
	f.waiterGenerations = make(chan struct{})
	f.mu.Unlock()
	close(closed)
	klog.V(1).Infof("checkpointfetcher: published checkpoint at index %d", idx)
}
