package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/relica"
	"github.com/google/uuid"

	"github.com/coregx/notify"
	"github.com/coregx/notify/model"
)

// QueueRepository implements notify.DurableQueue on a SQL table.
//
// Receive claims a message by swapping its receipt handle with a conditional
// update, so concurrent consumers (in one or several processes) never receive
// the same message within one visibility window.
type QueueRepository struct {
	db          *relica.DB
	tablePrefix string
	clock       func() time.Time
}

// NewQueueRepository creates a new QueueRepository with default table prefix.
func NewQueueRepository(sqlDB *sql.DB, driverName string) *QueueRepository {
	return NewQueueRepositoryWithPrefix(sqlDB, driverName, DefaultTablePrefix)
}

// NewQueueRepositoryWithPrefix creates a new QueueRepository with custom table prefix.
func NewQueueRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *QueueRepository {
	return &QueueRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
		clock:       time.Now,
	}
}

func (r *QueueRepository) tableName() string {
	return r.tablePrefix + "queue_message"
}

// Enqueue stores a message, visible immediately.
func (r *QueueRepository) Enqueue(ctx context.Context, queue, body string) (string, error) {
	now := r.clock().UTC()
	m := model.QueueMessage{
		MessageID:  uuid.NewString(),
		Queue:      queue,
		Body:       body,
		VisibleAt:  now,
		EnqueuedAt: now,
	}
	if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert(); err != nil {
		return "", notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to enqueue message", err)
	}
	return m.MessageID, nil
}

// Receive claims up to max visible messages, oldest first.
func (r *QueueRepository) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]model.QueueMessage, error) {
	now := r.clock().UTC()

	var candidates []model.QueueMessage
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("queue = ? AND visible_at <= ?", queue, now).
		OrderBy("id ASC").
		Limit(int64(max)).
		All(&candidates)
	if err != nil {
		return nil, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to find visible messages", err)
	}

	received := make([]model.QueueMessage, 0, len(candidates))
	for _, m := range candidates {
		receipt := uuid.NewString()
		visibleAt := now.Add(visibility)
		res, err := r.db.WithContext(ctx).Update(r.tableName()).
			Set(map[string]interface{}{
				"receipt":       receipt,
				"receive_count": m.ReceiveCount + 1,
				"visible_at":    visibleAt,
			}).
			Where("id = ? AND receipt = ? AND visible_at <= ?", m.ID, m.Receipt, now).
			Execute()
		if err != nil {
			return received, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to claim message", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			// claimed by another consumer
			continue
		}

		m.Receipt = receipt
		m.ReceiveCount++
		m.VisibleAt = visibleAt
		received = append(received, m)
	}
	return received, nil
}

// Delete removes a received message by receipt handle.
func (r *QueueRepository) Delete(ctx context.Context, queue, receipt string) error {
	m, err := r.byReceipt(ctx, queue, receipt)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Delete(); err != nil {
		return notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to delete message", err)
	}
	return nil
}

// ChangeVisibility makes a received message visible again after delay.
func (r *QueueRepository) ChangeVisibility(ctx context.Context, queue, receipt string, delay time.Duration) error {
	if _, err := r.byReceipt(ctx, queue, receipt); err != nil {
		return err
	}
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"visible_at": r.clock().UTC().Add(delay),
		}).
		Where("queue = ? AND receipt = ?", queue, receipt).
		Execute()
	if err != nil {
		return notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to change visibility", err)
	}
	return nil
}

// Count returns the number of messages stored in a queue, visible or not.
func (r *QueueRepository) Count(ctx context.Context, queue string) (int, error) {
	var count countRow
	err := r.db.WithContext(ctx).Select("COUNT(*) AS n").From(r.tableName()).Where("queue = ?", queue).One(&count)
	if err != nil {
		return 0, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to count queue messages", err)
	}
	return int(count.N), nil
}

func (r *QueueRepository) byReceipt(ctx context.Context, queue, receipt string) (model.QueueMessage, error) {
	var m model.QueueMessage
	if receipt == "" {
		return m, notify.ErrNoData
	}
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("queue = ? AND receipt = ?", queue, receipt).
		One(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return m, notify.ErrNoData
	}
	if err != nil {
		return m, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to load message", err)
	}
	return m, nil
}
