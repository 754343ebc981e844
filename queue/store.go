package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateID rejects a second enqueue with an id already stored.
	ErrDuplicateID = errors.New("event id already enqueued")
	// ErrNotFound is returned for transitions on unknown event ids.
	ErrNotFound = errors.New("event not found")
	// ErrQueueFull is returned when capacity is reached and nothing is
	// evictable. Pending and InFlight events are never evicted.
	ErrQueueFull = errors.New("event store full")
	// ErrDuplicateInstall rejects a second installation event for a device.
	// Enforced inside Enqueue so concurrent enqueues cannot both pass.
	ErrDuplicateInstall = errors.New("installation already recorded for device")
	// ErrDuplicateSubscription rejects a redelivered subscriptionId.
	ErrDuplicateSubscription = errors.New("subscription already recorded")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("event store closed")
)

// Store is the durable, ordered event queue. Implementations serialize all
// mutations; PeekBatch returns due Pending events ordered by CreatedAt
// ascending with insertion order breaking ties.
//
// Enqueue owns the install/subscription dedup decision: the check and the
// write to the dedup set happen under one lock (or one transaction), so two
// concurrent enqueues for the same device or subscriptionId cannot both
// succeed. HasInstallation/HasSubscription exist for advisory pre-checks.
type Store interface {
	Enqueue(ctx context.Context, ev *Event) error
	PeekBatch(ctx context.Context, maxN int, now time.Time) ([]*Event, error)
	MarkInFlight(ctx context.Context, id string) (*Event, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	Requeue(ctx context.Context, id string, nextAttempt time.Time) error
	HasInstallation(ctx context.Context, deviceID string) (bool, error)
	HasSubscription(ctx context.Context, subscriptionID string) (bool, error)
	PendingCount(ctx context.Context) (int, error)
	Close() error
}
