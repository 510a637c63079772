package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/coregx/notify/envelope"
	"github.com/coregx/notify/model"
	"github.com/coregx/notify/retry"
)

// Queue message outcomes reported to Metrics.QueueMessageProcessed.
const (
	QueueOutcomeDeleted      = "deleted"
	QueueOutcomeRedelivered  = "redelivered"
	QueueOutcomeDeadLettered = "dead_lettered"
)

// ReceivedMessage is a durable queue message handed to a MessageHandler.
type ReceivedMessage struct {
	model.QueueMessage

	// Relay is set when the body is a relay document.
	Relay *envelope.Relay

	// Subscriber is the relay record addressed to the consumed queue, if any.
	Subscriber *envelope.RelaySubscriber

	// Body is what the consuming application sees: the queue body itself, or
	// for a relay document the body rendered for Subscriber (raw text or a
	// Notification envelope).
	Body string
}

// MessageHandler processes received queue messages. Returning nil deletes the
// message; an error makes it visible again later, or dead-letters it once the
// retry strategy gives up.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg ReceivedMessage) error
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, msg ReceivedMessage) error

// HandleMessage calls f(ctx, msg).
func (f HandlerFunc) HandleMessage(ctx context.Context, msg ReceivedMessage) error {
	return f(ctx, msg)
}

// QueueConsumer receives messages from one internal queue and hands them to a
// handler, with visibility-timeout redelivery and dead-lettering of poison
// messages.
//
// Relay documents are decoded strictly; a malformed document is dead-lettered
// and deleted without reaching the handler.
//
// Thread safety: Safe for concurrent use. Each batch is processed sequentially.
type QueueConsumer struct {
	queue               DurableQueue
	queueName           string
	handler             MessageHandler
	dlqRepo             DLQRepository
	codec               *envelope.Codec
	retryStrategy       retry.Strategy
	logger              Logger
	metrics             Metrics
	notificationService NotificationService
	batchSize           int
	visibility          time.Duration
	clock               func() time.Time
}

// NewQueueConsumer creates a new queue consumer with the provided options.
//
// Required options:
//   - WithQueue: durable queue and queue name
//   - WithHandler: message handler
//   - WithLogger: logger instance
//
// Optional options:
//   - WithRetryStrategy: redelivery strategy (default: retry.DefaultStrategy())
//   - WithBatchSize: messages per receive (default: 10)
//   - WithVisibilityTimeout: hide duration per receive (default: 30s)
//   - WithDeadLetters: dead-letter repository
//
// Example:
//
//	consumer, err := notify.NewQueueConsumer(
//	    notify.WithQueue(queue, "orders"),
//	    notify.WithHandler(notify.HandlerFunc(handle)),
//	    notify.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewQueueConsumer(opts ...Option) (*QueueConsumer, error) {
	c := &QueueConsumer{
		retryStrategy:       retry.DefaultStrategy(),
		codec:               envelope.NewCodec(""),
		metrics:             NoopMetrics{},
		notificationService: &NoOpNotificationService{},
		batchSize:           10,
		visibility:          30 * time.Second,
		clock:               time.Now,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if c.queue == nil {
		return nil, NewError(ErrCodeConfiguration, "DurableQueue is required (use WithQueue)")
	}
	if c.handler == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageHandler is required (use WithHandler)")
	}
	if c.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithLogger)")
	}

	return c, nil
}

// ProcessBatch receives one batch and handles every message in it.
//
// Returns the number of messages handled successfully. Individual failures are
// logged and do not stop the batch; only a failed receive is returned.
func (c *QueueConsumer) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := c.queue.Receive(ctx, c.queueName, c.batchSize, c.visibility)
	if err != nil {
		if IsNoData(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to receive from queue %s: %w", c.queueName, err)
	}

	processed := 0
	for i := range msgs {
		if ctx.Err() != nil {
			// unprocessed messages reappear after the visibility timeout
			break
		}
		if c.process(ctx, msgs[i]) {
			processed++
		}
	}
	return processed, nil
}

// process handles one message and reports whether the handler succeeded.
func (c *QueueConsumer) process(ctx context.Context, qm model.QueueMessage) bool {
	received, err := c.decode(qm)
	if err != nil {
		c.logger.Warnf("Malformed relay document in queue %s (message_id=%s): %v", c.queueName, qm.MessageID, err)
		c.deadLetter(ctx, qm, err, "malformed envelope")
		return false
	}

	if err := c.handler.HandleMessage(ctx, received); err != nil {
		c.handleFailure(ctx, qm, err)
		return false
	}

	if err := c.queue.Delete(ctx, c.queueName, qm.Receipt); err != nil {
		// the visibility timeout expired and the message was received again
		c.logger.Warnf("Failed to delete message %s from queue %s: %v", qm.MessageID, c.queueName, err)
		return true
	}
	c.metrics.QueueMessageProcessed(c.queueName, QueueOutcomeDeleted)
	c.logger.Debugf("Processed message %s from queue %s (receives=%d)", qm.MessageID, c.queueName, qm.ReceiveCount)
	return true
}

// decode detects and decodes relay documents.
func (c *QueueConsumer) decode(qm model.QueueMessage) (ReceivedMessage, error) {
	received := ReceivedMessage{QueueMessage: qm, Body: qm.Body}
	if !envelope.IsRelay(qm.Body) {
		return received, nil
	}

	relay, err := envelope.DecodeRelay(qm.Body)
	if err != nil {
		return ReceivedMessage{}, NewErrorWithCause(ErrCodeMalformedEnvelope, "failed to decode relay document", err)
	}
	received.Relay = &relay

	msg := relay.Message()
	received.Body = msg.BodyFor(model.ProtocolCQS)
	for _, target := range relay.Targets(model.ProtocolCQS) {
		if target.Endpoint != c.queueName {
			continue
		}
		t := target
		received.Subscriber = &t
		sub := model.Subscription{
			Arn:                t.SubscriptionArn,
			TopicArn:           relay.TopicArn,
			Protocol:           t.Protocol,
			Endpoint:           t.Endpoint,
			RawMessageDelivery: t.Raw,
		}
		body, err := c.codec.Encode(msg, sub)
		if err != nil {
			return ReceivedMessage{}, NewErrorWithCause(ErrCodeMalformedEnvelope, "failed to render relay body", err)
		}
		received.Body = body
		break
	}
	if received.Subscriber == nil {
		c.logger.Warnf("Relay document %s has no subscriber for queue %s", relay.MessageID, c.queueName)
	}
	return received, nil
}

func (c *QueueConsumer) handleFailure(ctx context.Context, qm model.QueueMessage, handlerErr error) {
	if c.retryStrategy.ShouldDeadLetter(qm.ReceiveCount) {
		c.logger.Warnf("Dead-lettering message %s from queue %s (receives=%d, threshold=%d): %v",
			qm.MessageID, c.queueName, qm.ReceiveCount, c.retryStrategy.DLQThreshold, handlerErr)
		c.deadLetter(ctx, qm, handlerErr,
			fmt.Sprintf("max receives exceeded (%d >= %d)", qm.ReceiveCount, c.retryStrategy.DLQThreshold))
		return
	}

	delay := c.retryStrategy.RedeliveryDelay(qm.ReceiveCount)
	if err := c.queue.ChangeVisibility(ctx, c.queueName, qm.Receipt, delay); err != nil {
		c.logger.Errorf("Failed to change visibility of message %s: %v", qm.MessageID, err)
		return
	}
	c.metrics.QueueMessageProcessed(c.queueName, QueueOutcomeRedelivered)
	c.logger.Warnf("Handling failed for message %s (receives=%d, visible again in %v): %v",
		qm.MessageID, qm.ReceiveCount, delay, handlerErr)
}

// deadLetter stores the message as a dead letter and deletes it from the queue.
// If the dead letter cannot be stored the message stays in the queue.
func (c *QueueConsumer) deadLetter(ctx context.Context, qm model.QueueMessage, cause error, reason string) {
	dl := model.NewDeadLetterFromQueue(qm, cause.Error(), reason, c.clock())
	if c.dlqRepo != nil {
		saved, err := c.dlqRepo.Save(ctx, dl)
		if err != nil {
			c.logger.Errorf("Failed to save dead letter for message %s: %v", qm.MessageID, err)
			return
		}
		dl = saved
	}

	if err := c.queue.Delete(ctx, c.queueName, qm.Receipt); err != nil {
		c.logger.Errorf("Failed to delete dead-lettered message %s: %v", qm.MessageID, err)
	}
	c.metrics.QueueMessageProcessed(c.queueName, QueueOutcomeDeadLettered)

	if err := c.notificationService.NotifyDeadLetter(ctx, dl); err != nil {
		c.logger.Warnf("Failed to send dead letter notification: %v", err)
	}
}

// Run starts the consumer loop. It runs until the context is canceled,
// receiving a batch at every tick; a full batch is followed immediately by the next.
//
// This method blocks and should typically be run in a goroutine.
//
// Example:
//
//	go consumer.Run(ctx, time.Second)
func (c *QueueConsumer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Infof("Queue consumer started: queue=%s", c.queueName)

	for {
		select {
		case <-ctx.Done():
			c.logger.Infof("Queue consumer stopped: queue=%s", c.queueName)
			return
		case <-ticker.C:
			for {
				n, err := c.ProcessBatch(ctx)
				if err != nil {
					c.logger.Errorf("Error processing queue %s: %v", c.queueName, err)
					break
				}
				if n < c.batchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// GetRetrySchedule returns a human-readable description of the redelivery schedule.
func (c *QueueConsumer) GetRetrySchedule() string {
	return c.retryStrategy.Describe()
}
