package queue

import (
	"context"
	"time"
)

// Store is the protocol a backing store must implement.
//
// Guarantees:
//   - Lease is atomic: concurrent callers never receive the same job.
//   - Ack is idempotent: acking a done or missing job is not an error.
//   - Reclaim is the only way a processing job returns to pending without
//     its leaser reporting back.
type Store interface {
	Enqueue(ctx context.Context, tenantID string, payload []byte) (string, error)

	// Lease returns (nil, nil) when no job is eligible.
	Lease(ctx context.Context, dispatcherID string, f LeaseFilter) (*Job, error)
	Ack(ctx context.Context, jobID string) error
	// Fail returns the status the job moved to (retry or dead).
	Fail(ctx context.Context, jobID, reason string, maxAttempts int, retryDelay time.Duration) (Status, error)
	// FailLeased is Fail on behalf of the dispatcher that leased the job.
	// It returns ErrLeaseLost instead of touching a job another dispatcher
	// holds now.
	FailLeased(ctx context.Context, jobID, owner, reason string, maxAttempts int, retryDelay time.Duration) (Status, error)

	Reclaim(ctx context.Context, stuckAfter time.Duration) (int64, error)
	Purge(ctx context.Context, statuses []Status, olderThan time.Duration) (int64, error)

	Get(ctx context.Context, jobID string) (*Job, error)
	Stats(ctx context.Context) (Stats, error)
	// PurgeTenant drops every job of a tenant regardless of status.
	PurgeTenant(ctx context.Context, tenantID string) (int64, error)
	Compact(ctx context.Context) error
}

// Waker is an optional latency hint: Enqueue callers Notify, idle leasers
// wait on C(). Correctness never depends on it.
type Waker interface {
	Notify(ctx context.Context, tenantID string)
	C() <-chan struct{}
}
