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

package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunReturnsFirstLoopFailure(t *testing.T) {
	s := New()
	wantErr := errors.New("boom")
	s.Add("forever", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Add("flaky", func(ctx context.Context) error {
		return wantErr
	})

	err := s.Run(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run err = %v, want %v", err, wantErr)
	}
}

func TestRunTreatsCleanExitAsFault(t *testing.T) {
	s := New()
	s.Add("forever", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Add("quits", func(ctx context.Context) error {
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Run returned nil, want an error describing the clean exit as a fault")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a loop exited cleanly")
	}
}
