// Package main provides the notify server executable: the HTTP API for topic
// subscriptions and publishing, plus background consumers of internal queues.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/coregx/notify"
	"github.com/coregx/notify/adapters/redisq"
	"github.com/coregx/notify/adapters/relica"
	"github.com/coregx/notify/cmd/notify-server/internal/api"
	"github.com/coregx/notify/cmd/notify-server/internal/config"
	"github.com/coregx/notify/envelope"
	"github.com/coregx/notify/logging"
	"github.com/coregx/notify/metrics"
	"github.com/coregx/notify/model"
	"github.com/coregx/notify/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(logging.Config{Level: cfg.LogLevel, Service: "notify-server"})
	logger := logging.WithComponent("server")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("version", api.Version).
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Str("db_driver", cfg.Database.Driver).
		Str("queue_backend", cfg.Queue.Backend).
		Strs("consume_queues", cfg.Notify.ConsumeQueues).
		Msg("starting notify server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("failed to close database")
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.Migrate {
		if err := notify.ApplyMigrations(ctx, db, cfg.Database.Dialect()); err != nil {
			return err
		}
		logger.Info().Str("dialect", cfg.Database.Dialect()).Msg("migrations applied")
	}

	repos := relica.NewRepositoriesWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)

	queue := repos.Queue
	if cfg.Queue.Backend == config.QueueBackendRedis {
		rq, err := redisq.Connect(ctx, redisq.Config{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
			Prefix:   cfg.Queue.RedisPrefix,
		})
		if err != nil {
			return err
		}
		defer func() { _ = rq.Close() }()
		queue = rq
	}

	mux := transport.NewMux().
		Handle(transport.NewHTTP(), model.ProtocolHTTP, model.ProtocolHTTPS).
		Handle(transport.NewQueue(queue), model.ProtocolCQS)
	if cfg.SMTP.Host != "" {
		email, err := transport.NewEmail(transport.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return fmt.Errorf("email transport: %w", err)
		}
		mux.Handle(email, model.ProtocolEmail, model.ProtocolEmailJSON)
	} else {
		logger.Info().Msg("SMTP_HOST not set, email protocols disabled")
	}

	var notifications notify.NotificationService = &notify.NoOpNotificationService{}
	if cfg.Notify.EnableNotifications {
		notifications = notify.NewLoggingNotificationService(logging.ForComponent("notifications"))
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	codec := envelope.NewCodec(cfg.Server.PublicURL)

	publisher, err := notify.NewPublisher(
		notify.WithPublisherRepository(repos.Subscription),
		notify.WithPublisherTransport(mux),
		notify.WithPublisherLogger(logging.ForComponent("publisher")),
		notify.WithPublisherCodec(codec),
		notify.WithPublisherMetrics(m),
		notify.WithPublisherNotifications(notifications),
		notify.WithDeliveryRecords(repos.Delivery, repos.DLQ),
		notify.WithConcurrency(cfg.Notify.Concurrency),
		notify.WithAttemptTimeout(cfg.Notify.AttemptTimeout),
	)
	if err != nil {
		return err
	}

	confirmer, err := notify.NewConfirmer(
		notify.WithConfirmerRepository(repos.Subscription),
		notify.WithConfirmationWindow(cfg.Notify.ConfirmationWindow),
		notify.WithConfirmerLogger(logging.ForComponent("confirmer")),
		notify.WithConfirmerMetrics(m),
	)
	if err != nil {
		return err
	}

	subscriptionManager, err := notify.NewSubscriptionManager(
		notify.WithSubscriptionManagerRepository(repos.Subscription),
		notify.WithSubscriptionManagerLogger(logging.ForComponent("subscriptions")),
		notify.WithSubscriptionManagerConfirmer(confirmer),
		notify.WithConfirmationTransport(mux, codec),
		notify.WithSubscriptionManagerNotifications(notifications),
		notify.WithSubscriptionManagerMetrics(m),
	)
	if err != nil {
		return err
	}

	var workers sync.WaitGroup
	for _, name := range cfg.Notify.ConsumeQueues {
		consumer, err := newLoggingConsumer(cfg, queue, name, repos.DLQ, notifications, m, codec)
		if err != nil {
			return err
		}
		workers.Add(1)
		go func(name string) {
			defer workers.Done()
			logger.Info().Str("queue", name).Dur("interval", cfg.Notify.ConsumerInterval).Msg("starting queue consumer")
			consumer.Run(ctx, cfg.Notify.ConsumerInterval)
		}(name)
	}

	handler := api.NewHandler(publisher, subscriptionManager, repos.DLQ, logging.WithComponent("api"))
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.NewRouter(promhttp.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // publishes wait for their retries
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		cancel()
		workers.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}

	cancel()
	workers.Wait()
	logger.Info().Msg("server stopped gracefully")
	return nil
}

// newLoggingConsumer builds a consumer that logs every message of the queue and
// deletes it. Applications embed notify.QueueConsumer with their own handler.
func newLoggingConsumer(
	cfg *config.Config,
	queue notify.DurableQueue,
	name string,
	dlq notify.DLQRepository,
	notifications notify.NotificationService,
	m notify.Metrics,
	codec *envelope.Codec,
) (*notify.QueueConsumer, error) {
	log := logging.WithComponent("consumer").With().Str("queue", name).Logger()
	handler := notify.HandlerFunc(func(_ context.Context, msg notify.ReceivedMessage) error {
		event := log.Info().
			Str("message_id", msg.MessageID).
			Int("receive_count", msg.ReceiveCount).
			Int("bytes", len(msg.Body))
		if msg.Subscriber != nil {
			event = event.Str("subscription_arn", msg.Subscriber.SubscriptionArn)
		}
		event.Msg("message received")
		return nil
	})

	return notify.NewQueueConsumer(
		notify.WithQueue(queue, name),
		notify.WithHandler(handler),
		notify.WithLogger(logging.NewAdapter(log)),
		notify.WithBatchSize(cfg.Notify.BatchSize),
		notify.WithVisibilityTimeout(cfg.Notify.VisibilityTimeout),
		notify.WithDeadLetters(dlq),
		notify.WithNotifications(notifications),
		notify.WithMetrics(m),
		notify.WithCodec(codec),
	)
}
