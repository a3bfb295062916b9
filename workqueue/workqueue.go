/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package workqueue implements the keyed work queue that feeds the format
// gate. Keys are opaque strings; the queue guarantees at most one queued and
// one in-progress occupant per key group, so a newer head commit for a pull
// request supersedes the older one instead of queueing behind it.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Options holds per-key scheduling options.
type Options struct {
	// Priority orders queued keys; higher values are launched first.
	Priority int64
	// NotBefore delays the key from being launched until the given time.
	NotBefore time.Time
}

// Key is the common surface of queued and in-progress keys.
type Key interface {
	// Name returns the opaque key string.
	Name() string
	// Priority returns the priority the key was queued with.
	Priority() int64
}

// QueuedKey is a key waiting to be launched.
type QueuedKey interface {
	Key

	// Start transitions the key to in-progress and returns an owned handle.
	Start(context.Context) (OwnedInProgressKey, error)
	// Requeue returns the key to the queue without an attempt.
	Requeue(context.Context) error
}

// ObservedInProgressKey is an in-progress key observed by the dispatcher,
// which may be owned by another (possibly dead) dispatcher pass.
type ObservedInProgressKey interface {
	Key

	// IsOrphaned reports whether the owning work has stopped heartbeating.
	IsOrphaned() bool
	// Requeue returns the orphaned key to the queue.
	Requeue(context.Context) error
}

// OwnedInProgressKey is an in-progress key owned by the caller that started it.
type OwnedInProgressKey interface {
	Key

	// Context is cancelled when the key is superseded by a newer key in the
	// same group, or when the queue shuts down.
	Context() context.Context
	// GetAttempts returns how many times this key has been started.
	GetAttempts() int
	// Complete removes the key from the queue.
	Complete(context.Context) error
	// Requeue returns the key to the queue for another attempt.
	Requeue(context.Context) error
	// Deadletter parks the key so it is not retried.
	Deadletter(context.Context) error
}

// Interface is the queue surface consumed by the dispatcher.
type Interface interface {
	// Queue adds the key, superseding older keys in the same group.
	Queue(ctx context.Context, key string, opts Options) error
	// Enumerate returns the in-progress and queued keys, in launch order.
	Enumerate(ctx context.Context) ([]ObservedInProgressKey, []QueuedKey, error)
}

// nonRetriable wraps an error to signal that the key should be completed
// rather than requeued, because retrying cannot change the outcome.
type nonRetriable struct {
	err    error
	reason string
}

func (n *nonRetriable) Error() string {
	return fmt.Sprintf("%s: %v", n.reason, n.err)
}

func (n *nonRetriable) Unwrap() error { return n.err }

// NonRetriableError marks err as non-retriable with a human-readable reason.
func NonRetriableError(err error, reason string) error {
	return &nonRetriable{err: err, reason: reason}
}

// IsNonRetriable reports whether err (or anything it wraps) was marked
// non-retriable.
func IsNonRetriable(err error) bool {
	var nr *nonRetriable
	return errors.As(err, &nr)
}
