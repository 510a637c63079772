package relica

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coregx/relica"

	"github.com/coregx/notify"
	"github.com/coregx/notify/model"
)

// SubscriptionRepository implements notify.SubscriptionRepository using Relica.
type SubscriptionRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewSubscriptionRepository creates a new SubscriptionRepository with default table prefix.
func NewSubscriptionRepository(sqlDB *sql.DB, driverName string) *SubscriptionRepository {
	return NewSubscriptionRepositoryWithPrefix(sqlDB, driverName, DefaultTablePrefix)
}

// NewSubscriptionRepositoryWithPrefix creates a new SubscriptionRepository with custom table prefix.
func NewSubscriptionRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *SubscriptionRepository {
	return &SubscriptionRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *SubscriptionRepository) tableName() string {
	return r.tablePrefix + "subscription"
}

// Load retrieves a subscription by ARN.
func (r *SubscriptionRepository) Load(ctx context.Context, arn string) (model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("arn = ?", arn).One(&sub)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, notify.ErrNoData
	}
	if err != nil {
		return sub, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to load subscription", err)
	}
	return sub, nil
}

// Save inserts the subscription, or replaces the row with the same ARN.
func (r *SubscriptionRepository) Save(ctx context.Context, m model.Subscription) (model.Subscription, error) {
	if m.ID == 0 {
		existing, err := r.Load(ctx, m.Arn)
		switch {
		case err == nil:
			m.ID = existing.ID
		case notify.IsNoData(err):
			if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert(); err != nil {
				return m, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to insert subscription", err)
			}
			return m, nil
		default:
			return m, err
		}
	}

	if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update(); err != nil {
		return m, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to update subscription", err)
	}
	return m, nil
}

// Delete removes a subscription by ARN.
func (r *SubscriptionRepository) Delete(ctx context.Context, arn string) error {
	sub, err := r.Load(ctx, arn)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Model(&sub).Table(r.tableName()).Delete(); err != nil {
		return notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to delete subscription", err)
	}
	return nil
}

// ListConfirmed returns the confirmed subscriptions of a topic in creation order.
func (r *SubscriptionRepository) ListConfirmed(ctx context.Context, topicArn string) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("topic_arn = ? AND confirmed = ?", topicArn, true).
		OrderBy("id ASC").
		All(&subs)
	if err != nil {
		return nil, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to list confirmed subscriptions", err)
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	return subs, nil
}

// ListByTopic returns every subscription of a topic in creation order.
func (r *SubscriptionRepository) ListByTopic(ctx context.Context, topicArn string) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("topic_arn = ?", topicArn).
		OrderBy("id ASC").
		All(&subs)
	if err != nil {
		return nil, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to list subscriptions", err)
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	return subs, nil
}
