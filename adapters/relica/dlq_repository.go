package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/notify"
	"github.com/coregx/notify/model"
)

// DLQRepository implements notify.DLQRepository using Relica.
type DLQRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewDLQRepository creates a new DLQRepository with default table prefix.
func NewDLQRepository(sqlDB *sql.DB, driverName string) *DLQRepository {
	return NewDLQRepositoryWithPrefix(sqlDB, driverName, DefaultTablePrefix)
}

// NewDLQRepositoryWithPrefix creates a new DLQRepository with custom table prefix.
func NewDLQRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *DLQRepository {
	return &DLQRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *DLQRepository) tableName() string {
	return r.tablePrefix + "dead_letter"
}

// Load retrieves a dead letter by ID.
func (r *DLQRepository) Load(ctx context.Context, id int64) (model.DeadLetter, error) {
	var dl model.DeadLetter
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("id = ?", id).One(&dl)
	if errors.Is(err, sql.ErrNoRows) {
		return dl, notify.ErrNoData
	}
	if err != nil {
		return dl, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to load dead letter", err)
	}
	return dl, nil
}

// Save creates or updates a dead letter.
func (r *DLQRepository) Save(ctx context.Context, m model.DeadLetter) (model.DeadLetter, error) {
	if m.ID == 0 {
		err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert()
		if err != nil {
			return m, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to insert dead letter", err)
		}
		return m, nil
	}

	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update()
	if err != nil {
		return m, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to update dead letter", err)
	}
	return m, nil
}

// Delete removes a dead letter.
func (r *DLQRepository) Delete(ctx context.Context, m model.DeadLetter) error {
	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Delete()
	if err != nil {
		return notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to delete dead letter", err)
	}
	return nil
}

// FindBySubscription retrieves dead letters for a specific subscription.
func (r *DLQRepository) FindBySubscription(ctx context.Context, subscriptionArn string, limit int) ([]model.DeadLetter, error) {
	var items []model.DeadLetter
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("subscription_arn = ?", subscriptionArn).
		OrderBy("created_at DESC").
		Limit(int64(limit)).
		All(&items)
	if err != nil {
		return nil, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to find dead letters by subscription", err)
	}
	if len(items) == 0 {
		return nil, notify.ErrNoData
	}
	return items, nil
}

// FindUnresolved retrieves unresolved dead letters.
func (r *DLQRepository) FindUnresolved(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	var items []model.DeadLetter
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("is_resolved = ?", false).
		OrderBy("created_at ASC").
		Limit(int64(limit)).
		All(&items)
	if err != nil {
		return nil, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to find unresolved dead letters", err)
	}
	if len(items) == 0 {
		return nil, notify.ErrNoData
	}
	return items, nil
}

// FindOlderThan retrieves dead letters older than the specified threshold.
func (r *DLQRepository) FindOlderThan(ctx context.Context, threshold time.Duration, limit int) ([]model.DeadLetter, error) {
	var items []model.DeadLetter
	cutoffTime := time.Now().Add(-threshold)
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("created_at < ?", cutoffTime).
		OrderBy("created_at ASC").
		Limit(int64(limit)).
		All(&items)
	if err != nil {
		return nil, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to find old dead letters", err)
	}
	if len(items) == 0 {
		return nil, notify.ErrNoData
	}
	return items, nil
}

// FindByMessageID retrieves a dead letter for a specific message.
func (r *DLQRepository) FindByMessageID(ctx context.Context, messageID string) (model.DeadLetter, error) {
	var dl model.DeadLetter
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("message_id = ?", messageID).One(&dl)
	if errors.Is(err, sql.ErrNoRows) {
		return dl, notify.ErrNoData
	}
	if err != nil {
		return dl, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to find dead letters by message", err)
	}
	return dl, nil
}

// GetStats retrieves dead-letter statistics.
func (r *DLQRepository) GetStats(ctx context.Context) (model.DeadLetterStats, error) {
	var stats model.DeadLetterStats
	var total countRow

	err := r.db.WithContext(ctx).Select("COUNT(*) AS n").From(r.tableName()).One(&total)
	if err != nil {
		return stats, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to count total dead letters", err)
	}
	stats.TotalItems = int(total.N)

	unresolved, err := r.CountUnresolved(ctx)
	if err != nil {
		return stats, err
	}
	stats.UnresolvedItems = unresolved
	stats.ResolvedItems = stats.TotalItems - stats.UnresolvedItems
	stats.LastUpdated = time.Now()

	if stats.UnresolvedItems > 0 {
		var oldest model.DeadLetter
		err = r.db.WithContext(ctx).Select("*").
			From(r.tableName()).
			Where("is_resolved = ?", false).
			OrderBy("created_at ASC").
			Limit(1).
			One(&oldest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return stats, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to find oldest dead letter", err)
		}
		if err == nil {
			stats.OldestItemAge = int64(oldest.GetAge().Seconds())
			stats.TopFailureReason = oldest.FailureReason
		}
	}
	return stats, nil
}

// CountUnresolved returns the count of unresolved dead letters.
func (r *DLQRepository) CountUnresolved(ctx context.Context) (int, error) {
	var count countRow
	err := r.db.WithContext(ctx).Select("COUNT(*) AS n").From(r.tableName()).Where("is_resolved = ?", false).One(&count)
	if err != nil {
		return 0, notify.NewErrorWithCause(notify.ErrCodeDatabase, "failed to count unresolved dead letters", err)
	}
	return int(count.N), nil
}
