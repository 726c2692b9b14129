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

// Package agent wires the relayer's independent loops (ProverSync, the
// checkpoint fetcher, one MessageProcessor and Submitter pair per
// destination, and any gas-payment indexers) into a single process that
// lives and dies as a unit: every loop is expected to run forever, so the
// first one to return at all, even with a nil error, is treated as a fault
// and brings the rest down with it.
package agent

import (
	"context"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Loop is anything Supervisor can run: a function that blocks until ctx is
// cancelled or it hits an unrecoverable error.
type Loop func(ctx context.Context) error

// Supervisor runs a fixed set of named loops and cancels all of them as soon
// as any one returns.
type Supervisor struct {
	loops map[string]Loop
}

// New returns an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{loops: map[string]Loop{}}
}

// Add registers a loop under name. Add must not be called after Run starts.
func (s *Supervisor) Add(name string, l Loop) {
	s.loops[name] = l
}

// Run starts every registered loop and blocks until the first one returns,
// then cancels the shared context so the rest unwind, and returns that
// first loop's error once all loops have exited. A loop's own error is
// returned as is; a nil return is reported as an error naming the loop.
func (s *Supervisor) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for name, loop := range s.loops {
		name, loop := name, loop
		eg.Go(func() error {
			err := loop(egCtx)
			klog.Infof("agent: loop %q exited: %v", name, err)
			if err == nil {
				return errLoopExited(name)
			}
			return err
		})
	}
	return eg.Wait()
}

type errLoopExited string

func (e errLoopExited) Error() string {
	return "agent: loop " + string(e) + " exited unexpectedly with no error; every core loop is expected to run forever"
}
