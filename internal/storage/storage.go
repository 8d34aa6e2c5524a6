// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"registry_watch/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetLatestSnapshot(ctx context.Context) (*model.Snapshot, error)
	SaveChange(ctx context.Context, change *model.Change) error
	GetChangeCountSince(ctx context.Context, since time.Time) (int, error)
	ListChangesSince(ctx context.Context, since time.Time, limit int) ([]model.Change, error)

	UpsertSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	GetActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
	ListSubscriptionIDs(ctx context.Context, source string) ([]string, error)
	UpdateLastNotified(ctx context.Context, subscriptionID string) error
	RecordChannelResult(ctx context.Context, channelID string, success bool, at time.Time) error

	Ping(ctx context.Context) error
	Close() error
}
