// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package decompress implements C4: a bounded worker pool that
// pre-extracts artifact bundles for likely-next bisect candidates
// while the user evaluates the current one. It is the only
// concurrent subsystem in the program; every other component is
// single-threaded.
package decompress

import (
	"context"
	"sync"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"
)

// TaskFunc performs one extraction. It must be a pure function of its
// key and should do its own cancellation checks against ctx at
// convenient points — cancellation is cooperative, never preemptive,
// since interrupting a zstd stream mid-decode is not attempted.
type TaskFunc func(ctx context.Context, key string) error

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler is a bounded-worker-count task queue keyed by commit ID.
type Scheduler struct {
	poolSize int
	fn       TaskFunc
	log      logrus.FieldLogger

	mu      sync.Mutex
	running cmap.ConcurrentMap
	sem     chan struct{}
}

// New builds a Scheduler with poolSize concurrent workers, each
// running fn for one key at a time.
func New(poolSize int, fn TaskFunc, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if poolSize < 1 {
		poolSize = 1
	}
	return &Scheduler{
		poolSize: poolSize,
		fn:       fn,
		log:      log,
		running:  cmap.New(),
		sem:      make(chan struct{}, poolSize),
	}
}

// Enqueue cancels any running or queued task whose key is not in
// keys, and starts any key in keys that is not already running.
// Re-enqueuing an in-flight key is a no-op. Cancellation is advisory:
// in-flight tasks may complete after being marked cancelled — this is
// deliberate (see SPEC_FULL.md's "cancellation race" note), not an
// oversight.
func (s *Scheduler) Enqueue(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	for _, k := range s.running.Keys() {
		if !wanted[k] {
			if v, ok := s.running.Get(k); ok {
				v.(*task).cancel()
			}
			s.running.Remove(k)
		}
	}

	for _, k := range keys {
		if _, exists := s.running.Get(k); exists {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		t := &task{cancel: cancel, done: make(chan struct{})}
		s.running.Set(k, t)
		go s.runTask(ctx, k, t)
	}
}

func (s *Scheduler) runTask(ctx context.Context, key string, t *task) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	defer close(t.done)

	// A task cancelled while still waiting for a worker slot never starts.
	if ctx.Err() == nil {
		if err := s.fn(ctx, key); err != nil {
			s.log.WithField("commit", key).WithError(err).Debug("speculative decompress failed")
		}
	}

	s.mu.Lock()
	if v, ok := s.running.Get(key); ok && v == t {
		s.running.Remove(key)
	}
	s.mu.Unlock()
}

// WaitFor blocks until the task for key completes or is cancelled;
// returns immediately if key is not currently known.
func (s *Scheduler) WaitFor(key string) {
	s.mu.Lock()
	v, ok := s.running.Get(key)
	s.mu.Unlock()
	if !ok {
		return
	}
	<-v.(*task).done
}
