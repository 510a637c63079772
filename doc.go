// Package notify is a topic-based publish/subscribe notification service:
// publishers send a message to a topic and the service fans it out to every
// confirmed subscription of that topic over the subscription's protocol
// (HTTP, HTTPS, email, email-json or an internal durable queue).
//
// Works both as a library embedded in your application and as a standalone
// service (cmd/notify-server) with a REST API.
//
// # Features
//
//   - Confirmation handshake: subscriptions start unconfirmed with a token
//     that is valid for three days
//   - Per-subscription delivery policies: staged retries with constant,
//     linear or exponential backoff, and an optional throttle
//   - Concurrent fan-out; one slow endpoint never delays another
//   - Structured JSON envelopes or raw message delivery, per subscription
//   - A line-oriented relay document when one publish targets several
//     internal queues
//   - Durable queue consumer with visibility timeouts and dead-lettering
//   - Relica adapters for MySQL, PostgreSQL and SQLite; a Redis queue adapter
//   - Prometheus metrics and zerolog logging adapters
//
// # Quick Start
//
//	db, _ := sql.Open("sqlite3", "notify.db")
//	if err := notify.ApplyMigrations(ctx, db, "sqlite"); err != nil {
//	    log.Fatal(err)
//	}
//	repos := relica.NewRepositories(db, "sqlite3")
//
//	manager, _ := notify.NewSubscriptionManager(
//	    notify.WithSubscriptionManagerRepository(repos.Subscription),
//	    notify.WithSubscriptionManagerLogger(logger),
//	)
//
//	publisher, _ := notify.NewPublisher(
//	    notify.WithPublisherRepository(repos.Subscription),
//	    notify.WithPublisherTransport(transport.NewMux(...)),
//	    notify.WithPublisherLogger(logger),
//	)
//
//	sub, _ := manager.Subscribe(ctx, notify.SubscribeRequest{
//	    TopicArn: "arn:cmb:cns:ccp:381515276957:orders",
//	    Protocol: "https",
//	    Endpoint: "https://example.com/hook",
//	    UserID:   "381515276957",
//	})
//	// the endpoint receives a SubscriptionConfirmation with the token
//	_, _ = manager.Confirm(ctx, sub.Arn, token)
//
//	result, err := publisher.Publish(ctx, notify.PublishRequest{
//	    TopicArn: sub.TopicArn,
//	    Subject:  "order created",
//	    Message:  `{"id":42}`,
//	})
//
// # Delivery
//
// Every (message, subscription) pair is delivered independently. Attempts for
// one pair are sequential and spaced by the subscription's delivery policy; when
// the policy is exhausted the delivery fails, is reported in the PublishResult
// and, when WithDeliveryRecords is set, written to the dead-letter store.
// Cancelling the publish context drops pending retries.
//
// # Error Handling
//
// Errors carry a code:
//
//	if notify.IsExpiredToken(err) {
//	    // delete and re-create the subscription
//	}
//
// Codes: NO_DATA, VALIDATION_ERROR, AUTHORIZATION_ERROR, EXPIRED_TOKEN,
// MALFORMED_ENVELOPE, DELIVERY_EXHAUSTED, CONFIGURATION_ERROR, DATABASE_ERROR,
// DELIVERY_ERROR.
//
// # Packages
//
//   - arn: topic and subscription ARN syntax
//   - model: subscriptions, messages, delivery records, dead letters
//   - retry: delivery policies and queue redelivery strategy
//   - envelope: JSON envelopes and the relay document codec
//   - transport: HTTP, email and queue transports
//   - adapters/relica: SQL repositories and durable queue
//   - adapters/redisq: Redis durable queue
//   - logging, metrics: zerolog and Prometheus adapters
package notify
