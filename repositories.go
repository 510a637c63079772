package notify

import (
	"context"
	"time"

	"github.com/coregx/notify/model"
)

// ArnChecker validates ARN syntax. arn.Validator is the default implementation.
type ArnChecker = model.ArnChecker

// SubscriptionRepository defines the persistence interface for subscriptions.
// One record per subscription, keyed by ARN.
//
// Implementations must be safe for concurrent use.
type SubscriptionRepository interface {
	// Load retrieves a subscription by ARN.
	// Returns ErrNoData if not found.
	Load(ctx context.Context, arn string) (model.Subscription, error)

	// Save creates the subscription or replaces the stored record with the same ARN.
	Save(ctx context.Context, m model.Subscription) (model.Subscription, error)

	// Delete permanently removes a subscription. Deleting a missing
	// subscription returns ErrNoData.
	Delete(ctx context.Context, arn string) error

	// ListConfirmed returns the confirmed subscriptions of a topic,
	// ordered by creation. Returns an empty slice if none.
	ListConfirmed(ctx context.Context, topicArn string) ([]model.Subscription, error)

	// ListByTopic returns every subscription of a topic, confirmed or not.
	ListByTopic(ctx context.Context, topicArn string) ([]model.Subscription, error)
}

// DeliveryRepository persists per (message, subscription) delivery records.
type DeliveryRepository interface {
	// Save creates a delivery record (if ID=0) or updates an existing one.
	Save(ctx context.Context, m *model.Delivery) (*model.Delivery, error)

	// FindByMessageID returns the delivery records of one published message.
	FindByMessageID(ctx context.Context, messageID string) ([]model.Delivery, error)

	// FindBySubscription returns the most recent delivery records of a subscription.
	FindBySubscription(ctx context.Context, subscriptionArn string, limit int) ([]model.Delivery, error)

	// DeleteOlderThan removes terminal delivery records older than the threshold.
	DeleteOlderThan(ctx context.Context, threshold time.Duration) (int, error)
}

// DLQRepository defines the persistence interface for dead letters: exhausted
// fan-out deliveries and poison queue messages.
type DLQRepository interface {
	// Load retrieves a dead letter by ID.
	// Returns ErrNoData if not found.
	Load(ctx context.Context, id int64) (model.DeadLetter, error)

	// Save creates a dead letter (if ID=0) or updates an existing one.
	Save(ctx context.Context, m model.DeadLetter) (model.DeadLetter, error)

	// Delete permanently removes a dead letter.
	Delete(ctx context.Context, m model.DeadLetter) error

	// FindBySubscription retrieves dead letters of a subscription, newest first.
	FindBySubscription(ctx context.Context, subscriptionArn string, limit int) ([]model.DeadLetter, error)

	// FindUnresolved retrieves unresolved dead letters, oldest first.
	FindUnresolved(ctx context.Context, limit int) ([]model.DeadLetter, error)

	// GetStats retrieves aggregate statistics.
	GetStats(ctx context.Context) (model.DeadLetterStats, error)

	// CountUnresolved returns the count of unresolved dead letters.
	CountUnresolved(ctx context.Context) (int, error)
}

// DurableQueue is the storage behind the internal queue protocol.
//
// Messages are received with a visibility timeout; a received message must be
// deleted by its receipt handle or it becomes receivable again.
type DurableQueue interface {
	// Enqueue stores a message and returns its message id.
	Enqueue(ctx context.Context, queue, body string) (string, error)

	// Receive returns up to max visible messages and hides them for visibility.
	// Each returned message carries a fresh receipt handle.
	Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]model.QueueMessage, error)

	// Delete removes a received message. Returns ErrNoData for an unknown or
	// superseded receipt handle.
	Delete(ctx context.Context, queue, receipt string) error

	// ChangeVisibility makes a received message visible again after delay.
	ChangeVisibility(ctx context.Context, queue, receipt string, delay time.Duration) error
}
