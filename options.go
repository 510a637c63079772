package notify

import (
	"fmt"
	"time"

	"github.com/coregx/notify/envelope"
	"github.com/coregx/notify/retry"
)

// Option is a function that configures a QueueConsumer.
//
// Example:
//
//	consumer, err := notify.NewQueueConsumer(
//	    notify.WithQueue(queue, "orders"),
//	    notify.WithHandler(handler),
//	    notify.WithLogger(logger),
//	    notify.WithBatchSize(20), // optional
//	)
type Option func(*QueueConsumer) error

// WithQueue sets the durable queue and the name of the queue to consume.
//
// This is a required option for NewQueueConsumer.
func WithQueue(queue DurableQueue, name string) Option {
	return func(c *QueueConsumer) error {
		if queue == nil {
			return fmt.Errorf("queue cannot be nil")
		}
		if name == "" {
			return fmt.Errorf("queue name cannot be empty")
		}
		c.queue = queue
		c.queueName = name
		return nil
	}
}

// WithHandler sets the handler called for every received message.
//
// This is a required option for NewQueueConsumer.
func WithHandler(handler MessageHandler) Option {
	return func(c *QueueConsumer) error {
		if handler == nil {
			return fmt.Errorf("handler cannot be nil")
		}
		c.handler = handler
		return nil
	}
}

// WithLogger sets the logger instance for the queue consumer.
//
// This is a required option for NewQueueConsumer.
func WithLogger(logger Logger) Option {
	return func(c *QueueConsumer) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithRetryStrategy sets the redelivery strategy for failed messages.
// If not provided, retry.DefaultStrategy() is used.
func WithRetryStrategy(strategy retry.Strategy) Option {
	return func(c *QueueConsumer) error {
		if strategy.DLQThreshold <= 0 || strategy.MaxReceives <= 0 {
			return fmt.Errorf("strategy thresholds must be > 0")
		}
		c.retryStrategy = strategy
		return nil
	}
}

// WithBatchSize sets the number of messages received per batch.
// Default is 10. Must be > 0.
func WithBatchSize(size int) Option {
	return func(c *QueueConsumer) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be > 0, got %d", size)
		}
		c.batchSize = size
		return nil
	}
}

// WithVisibilityTimeout sets how long a received message stays hidden while
// it is handled. Default is 30s.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *QueueConsumer) error {
		if d <= 0 {
			return fmt.Errorf("visibility timeout must be > 0, got %v", d)
		}
		c.visibility = d
		return nil
	}
}

// WithDeadLetters stores poison messages in the dead-letter repository before
// they are deleted from the queue. Without it they are logged and deleted.
func WithDeadLetters(dlqRepo DLQRepository) Option {
	return func(c *QueueConsumer) error {
		if dlqRepo == nil {
			return fmt.Errorf("dlqRepo cannot be nil")
		}
		c.dlqRepo = dlqRepo
		return nil
	}
}

// WithNotifications sets an optional notification service for the queue consumer.
func WithNotifications(service NotificationService) Option {
	return func(c *QueueConsumer) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		c.notificationService = service
		return nil
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *QueueConsumer) error {
		if m == nil {
			return fmt.Errorf("metrics cannot be nil")
		}
		c.metrics = m
		return nil
	}
}

// WithCodec sets the codec used to render relay documents for the handler.
func WithCodec(codec *envelope.Codec) Option {
	return func(c *QueueConsumer) error {
		if codec == nil {
			return fmt.Errorf("codec cannot be nil")
		}
		c.codec = codec
		return nil
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *QueueConsumer) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		c.clock = clock
		return nil
	}
}
