// Package relica provides repository implementations using the Relica query builder.
//
// Relica (github.com/coregx/relica) is a lightweight database query builder for Go.
//
// This package implements the notify storage interfaces:
//   - SubscriptionRepository
//   - DeliveryRepository
//   - DLQRepository
//   - DurableQueue (QueueRepository), the SQL backend of the internal queue protocol
//
// Tables are created by the migrations embedded in the notify package.
//
// Example usage:
//
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/notify?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := notify.ApplyMigrations(ctx, db, "mysql"); err != nil {
//	    log.Fatal(err)
//	}
//
//	// driverName should be "mysql", "postgres", or "sqlite3"
//	repos := relica.NewRepositories(db, "mysql")
//
//	publisher, err := notify.NewPublisher(
//	    notify.WithPublisherRepository(repos.Subscription),
//	    notify.WithDeliveryRecords(repos.Delivery, repos.DLQ),
//	    notify.WithPublisherTransport(mux),
//	    notify.WithPublisherLogger(logger),
//	)
package relica
