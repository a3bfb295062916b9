/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package workqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

// GroupFunc maps a key to its supersession group. Keys in the same group
// displace each other: queueing a new key drops the queued older key and
// cancels the in-progress older key. The identity function (every key its own
// group) disables supersession.
type GroupFunc func(key string) string

// InMemoryOption customizes an in-memory queue.
type InMemoryOption func(*InMemory)

// WithGroupFunc installs the supersession group function.
func WithGroupFunc(f GroupFunc) InMemoryOption {
	return func(q *InMemory) { q.groupOf = f }
}

// NewInMemory constructs an empty in-memory queue.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	q := &InMemory{
		groupOf:    func(key string) string { return key },
		queued:     make(map[string]*inmemItem),
		inProgress: make(map[string]*inmemItem),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// InMemory is a process-local Interface implementation. It carries no state
// across restarts; a restart simply waits for the next triggering event.
type InMemory struct {
	groupOf GroupFunc

	mu         sync.Mutex
	seq        int64
	queued     map[string]*inmemItem
	inProgress map[string]*inmemItem
	dead       []string
}

type inmemItem struct {
	queue *InMemory

	name       string
	opts       Options
	seq        int64
	attempts   int
	superseded bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Interface = (*InMemory)(nil)

// Queue implements Interface. Older keys in the same group are displaced:
// queued ones are dropped, in-progress ones have their context cancelled so
// the running job observes the supersession. A re-delivery of a key that is
// already in progress is dropped; the running instance owns the key.
func (q *InMemory) Queue(ctx context.Context, key string, opts Options) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	group := q.groupOf(key)
	for name := range q.queued {
		if name != key && q.groupOf(name) == group {
			clog.FromContext(ctx).With("key", name).With("superseded_by", key).
				Info("Dropping superseded queued key")
			delete(q.queued, name)
		}
	}
	for name, it := range q.inProgress {
		if name != key && q.groupOf(name) == group && !it.superseded {
			clog.FromContext(ctx).With("key", name).With("superseded_by", key).
				Info("Cancelling superseded in-progress key")
			it.superseded = true
			if it.cancel != nil {
				it.cancel()
			}
		}
	}

	if _, ok := q.inProgress[key]; ok {
		// Re-delivery of a key that is already running: the running instance
		// owns the key; a second instance would race it on the same work.
		// A failed run requeues itself, so nothing is lost by dropping.
		clog.FromContext(ctx).With("key", key).Info("Dropping re-delivery of in-progress key")
		return nil
	}

	if it, ok := q.queued[key]; ok {
		// Re-delivery of the same key: keep the earliest slot, strongest options.
		if opts.Priority > it.opts.Priority {
			it.opts.Priority = opts.Priority
		}
		if opts.NotBefore.Before(it.opts.NotBefore) {
			it.opts.NotBefore = opts.NotBefore
		}
		return nil
	}

	q.seq++
	q.queued[key] = &inmemItem{queue: q, name: key, opts: opts, seq: q.seq}
	return nil
}

// Enumerate implements Interface. Queued keys are returned highest priority
// first, FIFO within a priority, with not-yet-due keys filtered out.
func (q *InMemory) Enumerate(context.Context) ([]ObservedInProgressKey, []QueuedKey, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wip := make([]ObservedInProgressKey, 0, len(q.inProgress))
	for _, it := range q.inProgress {
		wip = append(wip, it)
	}

	now := time.Now()
	next := make([]*inmemItem, 0, len(q.queued))
	for _, it := range q.queued {
		if it.opts.NotBefore.After(now) {
			continue
		}
		next = append(next, it)
	}
	sort.Slice(next, func(i, j int) bool {
		if next[i].opts.Priority != next[j].opts.Priority {
			return next[i].opts.Priority > next[j].opts.Priority
		}
		return next[i].seq < next[j].seq
	})

	queued := make([]QueuedKey, 0, len(next))
	for _, it := range next {
		queued = append(queued, it)
	}
	return wip, queued, nil
}

// Deadlettered returns the keys that exhausted their retries.
func (q *InMemory) Deadlettered() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string{}, q.dead...)
}

func (it *inmemItem) Name() string    { return it.name }
func (it *inmemItem) Priority() int64 { return it.opts.Priority }

// IsOrphaned always reports false: in-process work cannot outlive its owner.
func (it *inmemItem) IsOrphaned() bool { return false }

// Start implements QueuedKey.
func (it *inmemItem) Start(ctx context.Context) (OwnedInProgressKey, error) {
	q := it.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[it.name]; !ok {
		return nil, fmt.Errorf("key %q is no longer queued", it.name)
	}
	delete(q.queued, it.name)

	it.attempts++
	it.ctx, it.cancel = context.WithCancel(ctx)
	q.inProgress[it.name] = it
	return it, nil
}

// Requeue implements QueuedKey and ObservedInProgressKey. Superseded keys are
// dropped instead of requeued.
func (it *inmemItem) Requeue(context.Context) error {
	q := it.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	it.release()
	if it.superseded {
		return nil
	}
	q.seq++
	it.seq = q.seq
	q.queued[it.name] = it
	return nil
}

func (it *inmemItem) Context() context.Context { return it.ctx }
func (it *inmemItem) GetAttempts() int         { return it.attempts }

// Complete implements OwnedInProgressKey.
func (it *inmemItem) Complete(context.Context) error {
	q := it.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	it.release()
	return nil
}

// Deadletter implements OwnedInProgressKey.
func (it *inmemItem) Deadletter(context.Context) error {
	q := it.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	it.release()
	if !it.superseded {
		q.dead = append(q.dead, it.name)
	}
	return nil
}

// release removes the item from the in-progress set and cancels its context.
// Callers must hold q.mu.
func (it *inmemItem) release() {
	delete(it.queue.inProgress, it.name)
	if it.cancel != nil {
		it.cancel()
		it.cancel = nil
	}
}
