package relica

import (
	"database/sql"

	"github.com/coregx/notify"
)

// DefaultTablePrefix is the prefix of the tables created by the embedded migrations.
const DefaultTablePrefix = "notify_"

// Repositories holds all repository implementations.
type Repositories struct {
	Subscription notify.SubscriptionRepository
	Delivery     notify.DeliveryRepository
	DLQ          notify.DLQRepository
	Queue        notify.DurableQueue
}

// NewRepositories creates all repository implementations using Relica.
//
// The db parameter should be an *sql.DB connected to MySQL, PostgreSQL, or SQLite.
// The driverName should be "mysql", "postgres", or "sqlite3".
func NewRepositories(db *sql.DB, driverName string) *Repositories {
	return NewRepositoriesWithPrefix(db, driverName, DefaultTablePrefix)
}

// NewRepositoriesWithPrefix creates all repository implementations with a custom table prefix.
func NewRepositoriesWithPrefix(db *sql.DB, driverName, prefix string) *Repositories {
	return &Repositories{
		Subscription: NewSubscriptionRepositoryWithPrefix(db, driverName, prefix),
		Delivery:     NewDeliveryRepositoryWithPrefix(db, driverName, prefix),
		DLQ:          NewDLQRepositoryWithPrefix(db, driverName, prefix),
		Queue:        NewQueueRepositoryWithPrefix(db, driverName, prefix),
	}
}

// countRow receives the result of a SELECT COUNT(*) AS n query; the relica
// scanner only scans into structs.
type countRow struct {
	N int64 `db:"n"`
}
