package relica

import (
	"context"
	"database/sql"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/notify"
	"github.com/coregx/notify/model"
)

// DeliveryRepository implements notify.DeliveryRepository using Relica.
type DeliveryRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewDeliveryRepository creates a new DeliveryRepository with default table prefix.
func NewDeliveryRepository(sqlDB *sql.DB, driverName string) *DeliveryRepository {
	return NewDeliveryRepositoryWithPrefix(sqlDB, driverName, DefaultTablePrefix)
}

// NewDeliveryRepositoryWithPrefix creates a new DeliveryRepository with custom table prefix.
func NewDeliveryRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *DeliveryRepository {
	return &DeliveryRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *DeliveryRepository) tableName() string {
	return r.tablePrefix + "delivery"
}

// Save creates or updates a delivery record.
func (r *DeliveryRepository) Save(ctx context.Context, m *model.Delivery) (*model.Delivery, error) {
	if m.ID == 0 {
		// Insert populates m.ID
		if err := r.db.WithContext(ctx).Model(m).Table(r.tableName()).Insert(); err != nil {
			return m, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to insert delivery", err)
		}
		return m, nil
	}

	if err := r.db.WithContext(ctx).Model(m).Table(r.tableName()).Update(); err != nil {
		return m, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to update delivery", err)
	}
	return m, nil
}

// FindByMessageID returns the delivery records of one published message.
func (r *DeliveryRepository) FindByMessageID(ctx context.Context, messageID string) ([]model.Delivery, error) {
	var deliveries []model.Delivery
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("message_id = ?", messageID).
		OrderBy("id ASC").
		All(&deliveries)
	if err != nil {
		return nil, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to find deliveries by message", err)
	}
	if len(deliveries) == 0 {
		return nil, notify.ErrNoData
	}
	return deliveries, nil
}

// FindBySubscription returns the most recent delivery records of a subscription.
func (r *DeliveryRepository) FindBySubscription(ctx context.Context, subscriptionArn string, limit int) ([]model.Delivery, error) {
	var deliveries []model.Delivery
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("subscription_arn = ?", subscriptionArn).
		OrderBy("created_at DESC").
		Limit(int64(limit)).
		All(&deliveries)
	if err != nil {
		return nil, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to find deliveries by subscription", err)
	}
	if len(deliveries) == 0 {
		return nil, notify.ErrNoData
	}
	return deliveries, nil
}

// DeleteOlderThan removes terminal delivery records created before now-threshold.
func (r *DeliveryRepository) DeleteOlderThan(ctx context.Context, threshold time.Duration) (int, error) {
	var old []model.Delivery
	cutoff := time.Now().Add(-threshold)
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("created_at < ? AND status IN (?, ?, ?)", cutoff,
			model.DeliveryStatusDelivered, model.DeliveryStatusFailed, model.DeliveryStatusCancelled).
		OrderBy("created_at ASC").
		All(&old)
	if err != nil {
		return 0, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to find old deliveries", err)
	}

	deleted := 0
	for i := range old {
		if err := r.db.WithContext(ctx).Model(&old[i]).Table(r.tableName()).Delete(); err != nil {
			return deleted, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to delete delivery", err)
		}
		deleted++
	}
	return deleted, nil
}
