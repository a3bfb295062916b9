/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// Callback processes a single key. Returning nil completes the key, a
// non-retriable error completes it without success, and any other error
// requeues it (or deadletters it once maxRetry attempts are exhausted).
type Callback func(ctx context.Context, key string, opts Options) error

// HandleAsync performs a single dispatch pass over the queue: orphaned
// in-progress keys are requeued, and queued keys are launched into the open
// concurrency slots (at most batchSize per pass when batchSize > 0). It
// returns a future that waits for the launched work.
//
// Queue bookkeeping (Complete, Requeue, Deadletter) is performed with a
// context detached from cancellation, so a SIGTERM arriving mid-work cannot
// strand keys in the in-progress state.
func HandleAsync(ctx context.Context, q Interface, concurrency, batchSize int, cb Callback, maxRetry int) func() error {
	log := clog.FromContext(ctx)

	wip, qd, err := q.Enumerate(ctx)
	if err != nil {
		return func() error { return fmt.Errorf("enumerate() = %w", err) }
	}

	// Cleanup must survive ctx cancellation.
	cleanupCtx := context.WithoutCancel(ctx)

	eg := errgroup.Group{}
	active := 0
	for _, k := range wip {
		if k.IsOrphaned() {
			k := k
			eg.Go(func() error {
				if err := k.Requeue(cleanupCtx); err != nil {
					log.With("key", k.Name()).Errorf("Requeueing orphaned key: %v", err)
				}
				return nil
			})
			continue
		}
		active++
	}

	open := concurrency - active
	if batchSize > 0 && batchSize < open {
		open = batchSize
	}
	if open > len(qd) {
		open = len(qd)
	}

	for _, k := range qd[:max(open, 0)] {
		k := k
		eg.Go(func() error {
			oip, err := k.Start(ctx)
			if err != nil {
				log.With("key", k.Name()).Errorf("Starting key: %v", err)
				return nil
			}

			workCtx := oip.Context()
			if workCtx == nil {
				workCtx = ctx
			}

			cbErr := cb(workCtx, oip.Name(), Options{Priority: oip.Priority()})
			switch {
			case cbErr == nil:
				if err := oip.Complete(cleanupCtx); err != nil {
					log.With("key", oip.Name()).Errorf("Completing key: %v", err)
				}

			case IsNonRetriable(cbErr):
				log.With("key", oip.Name()).Infof("Completing key with non-retriable error: %v", cbErr)
				if err := oip.Complete(cleanupCtx); err != nil {
					log.With("key", oip.Name()).Errorf("Completing key: %v", err)
				}

			case maxRetry > 0 && oip.GetAttempts() >= maxRetry:
				log.With("key", oip.Name()).With("attempts", oip.GetAttempts()).
					Errorf("Deadlettering key: %v", cbErr)
				if err := oip.Deadletter(cleanupCtx); err != nil {
					log.With("key", oip.Name()).Errorf("Deadlettering key: %v", err)
				}

			default:
				log.With("key", oip.Name()).Warnf("Requeueing key: %v", cbErr)
				if err := oip.Requeue(cleanupCtx); err != nil {
					log.With("key", oip.Name()).Errorf("Requeueing key: %v", err)
				}
			}
			return nil
		})
	}

	return eg.Wait
}

// Run dispatches in a loop every interval until ctx is cancelled. The final
// pass is drained before returning.
func Run(ctx context.Context, q Interface, concurrency, batchSize int, cb Callback, maxRetry int, interval time.Duration) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		future := HandleAsync(ctx, q, concurrency, batchSize, cb, maxRetry)
		if err := future(); err != nil {
			clog.FromContext(ctx).Errorf("Dispatch pass failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
