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

package checkpointfetcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/abacus-network/relayer/api"
)

type fakeSyncer struct {
	mu   sync.Mutex
	next []api.MultisigSignedCheckpoint
}

func (f *fakeSyncer) push(msc api.MultisigSignedCheckpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = append(f.next, msc)
}

func (f *fakeSyncer) LatestMultisig(ctx context.Context, minimumIndex uint32) (api.MultisigSignedCheckpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, msc := range f.next {
		if msc.Checkpoint.Index >= minimumIndex {
			f.next = append(f.next[:i], f.next[i+1:]...)
			return msc, true, nil
		}
	}
	return api.MultisigSignedCheckpoint{}, false, nil
}

func TestFetcherPublishesAndCoalesces(t *testing.T) {
	fs := &fakeSyncer{}
	fetcher := New(fs, 5*time.Millisecond)

	if fetcher.Latest() != nil {
		t.Fatalf("Latest() before any publish should be nil")
	}

	fs.push(api.MultisigSignedCheckpoint{Checkpoint: api.Checkpoint{Index: 0}})
	fs.push(api.MultisigSignedCheckpoint{Checkpoint: api.Checkpoint{Index: 1}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go fetcher.Run(ctx)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if latest := fetcher.Latest(); latest != nil && latest.Checkpoint.Index == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fetcher never observed index 1, got %+v", fetcher.Latest())
}

func TestWaitUnblocksOnPublish(t *testing.T) {
	fs := &fakeSyncer{}
	fetcher := New(fs, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go fetcher.Run(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := fetcher.Wait(ctx, 0); err != nil {
			t.Errorf("Wait: %v", err)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	fs.push(api.MultisigSignedCheckpoint{Checkpoint: api.Checkpoint{Index: 0}})

	select {
	case <-done:
	case <-time.After(400 * time.Millisecond):
		t.Fatalf("Wait did not unblock after publish")
	}
}
