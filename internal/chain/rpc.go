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

package chain

import (
	"context"
	"time"
)

// DefaultCallTimeout is applied to every RPC call made through Call when the
// caller does not already carry a deadline.
const DefaultCallTimeout = 30 * time.Second

// DurationObserver records how long an RPC call against chain/method took.
// internal/metrics satisfies this by wrapping an OTel histogram.
type DurationObserver interface {
	ObserveRPCDuration(chain, method string, d time.Duration)
}

// Call wraps f with a per-call timeout (DefaultCallTimeout, unless ctx
// already carries a deadline of its own, which is then left as the only
// limit) and reports its duration to obs. Every
// chain RPC call the processor and submitter make should be routed through
// this so rpc_duration_seconds stays populated regardless of which concrete
// OutboxContract/InboxContract/Indexer implementation is wired in.
func Call[T any](ctx context.Context, obs DurationObserver, chainName, method string, f func(context.Context) (T, error)) (T, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}
	start := time.Now()
	v, err := f(ctx)
	if obs != nil {
		obs.ObserveRPCDuration(chainName, method, time.Since(start))
	}
	return v, err
}
