// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package decompress

import (
	"context"
	"sync"
	"testing"
	"time"
)

func assertTrue(t *testing.T, see bool, msg string) {
	t.Helper()
	if !see {
		t.Errorf("assertTrue: %s", msg)
	}
}

func TestEnqueueRunsAndWaitForBlocksUntilDone(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	s := New(2, func(ctx context.Context, key string) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen[key] = true
		mu.Unlock()
		return nil
	}, nil)

	s.Enqueue([]string{"a", "b"})
	s.WaitFor("a")
	s.WaitFor("b")

	mu.Lock()
	defer mu.Unlock()
	assertTrue(t, seen["a"] && seen["b"], "both enqueued keys should have run")
}

func TestWaitForUnknownKeyReturnsImmediately(t *testing.T) {
	s := New(1, func(ctx context.Context, key string) error { return nil }, nil)
	done := make(chan struct{})
	go func() {
		s.WaitFor("never-enqueued")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitFor on an unknown key should not block")
	}
}

func TestEnqueueCancelsDroppedKeys(t *testing.T) {
	cancelled := make(chan struct{}, 1)
	started := make(chan struct{}, 1)

	s := New(1, func(ctx context.Context, key string) error {
		if key == "stale" {
			started <- struct{}{}
			<-ctx.Done()
			cancelled <- struct{}{}
		}
		return nil
	}, nil)

	s.Enqueue([]string{"stale"})
	<-started
	s.Enqueue([]string{"fresh"})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("dropped key's context should have been cancelled")
	}
}
