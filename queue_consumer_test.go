package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coregx/notify/envelope"
	"github.com/coregx/notify/model"
	"github.com/coregx/notify/retry"
)

type capturingHandler struct {
	mu       sync.Mutex
	received []ReceivedMessage
	err      error
}

func (h *capturingHandler) HandleMessage(_ context.Context, msg ReceivedMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, msg)
	return h.err
}

func (h *capturingHandler) messages() []ReceivedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ReceivedMessage(nil), h.received...)
}

func newTestConsumer(t *testing.T, q DurableQueue, name string, h MessageHandler, opts ...Option) *QueueConsumer {
	t.Helper()
	base := []Option{WithQueue(q, name), WithHandler(h), WithLogger(&NoopLogger{})}
	c, err := NewQueueConsumer(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewQueueConsumer_RequiredOptions(t *testing.T) {
	q := newMemQueue(time.Now())
	h := &capturingHandler{}

	tests := []struct {
		name string
		opts []Option
	}{
		{"no queue", []Option{WithHandler(h), WithLogger(&NoopLogger{})}},
		{"no handler", []Option{WithQueue(q, "orders"), WithLogger(&NoopLogger{})}},
		{"no logger", []Option{WithQueue(q, "orders"), WithHandler(h)}},
		{"empty queue name", []Option{WithQueue(q, ""), WithHandler(h), WithLogger(&NoopLogger{})}},
		{"bad strategy", []Option{WithQueue(q, "orders"), WithHandler(h), WithLogger(&NoopLogger{}),
			WithRetryStrategy(retry.Strategy{})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewQueueConsumer(tt.opts...)
			require.Error(t, err)
			assert.Equal(t, ErrCodeConfiguration, ErrorCode(err))
		})
	}
}

func TestQueueConsumer_DeletesHandledMessages(t *testing.T) {
	q := newMemQueue(time.Now())
	ctx := context.Background()
	for _, body := range []string{"one", "two", "three"} {
		_, err := q.Enqueue(ctx, "orders", body)
		require.NoError(t, err)
	}

	h := &capturingHandler{}
	c := newTestConsumer(t, q, "orders", h, WithBatchSize(2))

	n, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var bodies []string
	for _, m := range h.messages() {
		bodies = append(bodies, m.Body)
		assert.Nil(t, m.Relay)
		assert.Equal(t, 1, m.ReceiveCount)
	}
	assert.Equal(t, []string{"one", "two", "three"}, bodies)
	assert.Equal(t, 0, q.len("orders"))
}

func TestQueueConsumer_RedeliversThenDeadLetters(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	q := newMemQueue(start)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "orders", "poison")
	require.NoError(t, err)

	h := &capturingHandler{err: errors.New("cannot parse order")}
	dlq := &memDeadLetters{}
	c := newTestConsumer(t, q, "orders", h,
		WithRetryStrategy(retry.Strategy{
			MaxReceives:     10,
			BaseDelay:       time.Second,
			MaxDelay:        time.Minute,
			ExponentialBase: 2,
			DLQThreshold:    3,
		}),
		WithDeadLetters(dlq),
		WithClock(func() time.Time { return start }),
	)

	// receive 1 fails: hidden for 1s
	n, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, _ = c.ProcessBatch(ctx)
	assert.Equal(t, 0, n)
	assert.Len(t, h.messages(), 1, "hidden until the redelivery delay passes")

	// receive 2 fails: hidden for 2s
	q.advance(time.Second)
	_, _ = c.ProcessBatch(ctx)
	q.advance(time.Second)
	_, _ = c.ProcessBatch(ctx)
	assert.Len(t, h.messages(), 2)

	// receive 3 reaches the threshold
	q.advance(time.Second)
	_, _ = c.ProcessBatch(ctx)
	assert.Len(t, h.messages(), 3)
	assert.Equal(t, 0, q.len("orders"))

	dead := dlq.all()
	require.Len(t, dead, 1)
	assert.Equal(t, model.DeadLetterSourceQueue, dead[0].Source)
	assert.Equal(t, "orders", dead[0].Endpoint)
	assert.Equal(t, "poison", dead[0].Body)
	assert.Equal(t, 3, dead[0].AttemptCount)
	assert.Equal(t, "cannot parse order", dead[0].LastError)
}

func TestQueueConsumer_MalformedRelayIsDeadLettered(t *testing.T) {
	q := newMemQueue(time.Now())
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "orders", "2\nnot-a-subscriber-record\n1\n\n*\n"+testTopicArn+"\n")
	require.NoError(t, err)

	h := &capturingHandler{}
	dlq := &memDeadLetters{}
	c := newTestConsumer(t, q, "orders", h, WithDeadLetters(dlq))

	n, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, h.messages(), "the handler never sees a malformed document")
	assert.Equal(t, 0, q.len("orders"))

	dead := dlq.all()
	require.Len(t, dead, 1)
	assert.Equal(t, "malformed envelope", dead[0].FailureReason)
}

func relayFixture(t *testing.T) (model.Message, string) {
	t.Helper()
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	msg := model.NewMessage(testTopicArn, testAccount, "", model.TextBody("order 42\nshipped"), at)
	subs := []model.Subscription{
		newConfirmedSubscription(model.ProtocolCQS, "orders-a"),
		newConfirmedSubscription(model.ProtocolCQS, "orders-b").WithRawMessageDelivery(true),
	}
	doc, err := envelope.EncodeRelay(envelope.NewRelay(msg, subs))
	require.NoError(t, err)
	return msg, doc
}

func TestQueueConsumer_RendersRelayForItsSubscriber(t *testing.T) {
	msg, doc := relayFixture(t)
	q := newMemQueue(time.Now())
	ctx := context.Background()

	tests := []struct {
		queue string
		raw   bool
	}{
		{"orders-a", false},
		{"orders-b", true},
	}

	for _, tt := range tests {
		t.Run(tt.queue, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.queue, doc)
			require.NoError(t, err)

			h := &capturingHandler{}
			c := newTestConsumer(t, q, tt.queue, h)
			n, err := c.ProcessBatch(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			got := h.messages()[0]
			require.NotNil(t, got.Relay)
			require.NotNil(t, got.Subscriber)
			assert.Equal(t, tt.queue, got.Subscriber.Endpoint)
			assert.Len(t, got.Relay.Subscribers, 2)

			if tt.raw {
				assert.Equal(t, "order 42\nshipped", got.Body)
				return
			}
			env, err := envelope.Decode([]byte(got.Body))
			require.NoError(t, err)
			assert.Equal(t, msg.MessageID, env.MessageID)
			assert.Equal(t, "order 42\nshipped", env.Message)
		})
	}
}

func TestQueueConsumer_RelayOfStructureShapedText(t *testing.T) {
	const text = `{"default":"short","http":"other"}`
	first := newConfirmedSubscription(model.ProtocolCQS, "orders-a").WithRawMessageDelivery(true)
	second := newConfirmedSubscription(model.ProtocolCQS, "orders-b").WithRawMessageDelivery(true)
	f := newPublisherFixture(t, first, second)
	queue := newMemQueue(f.clock.Now())
	f.transport.queue = queue
	ctx := context.Background()

	req := PublishRequest{TopicArn: testTopicArn, Message: text}
	result, err := f.publisher.Publish(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, result.Count(OutcomeDelivered))

	msg, err := f.publisher.NewMessage(req)
	require.NoError(t, err)
	direct, err := f.publisher.EncodeForSubscription(msg, first)
	require.NoError(t, err)
	require.Equal(t, text, direct)

	h := &capturingHandler{}
	c := newTestConsumer(t, queue, "orders-a", h)
	n, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := h.messages()[0]
	require.NotNil(t, got.Relay)
	require.NotNil(t, got.Subscriber)
	assert.Equal(t, first.Arn, got.Subscriber.SubscriptionArn)
	assert.Equal(t, direct, got.Body)
}

func TestQueueConsumer_RelayWithoutMatchingSubscriber(t *testing.T) {
	_, doc := relayFixture(t)
	q := newMemQueue(time.Now())
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "audit", doc)
	require.NoError(t, err)

	logger := &recordingLogger{}
	h := &capturingHandler{}
	c, err := NewQueueConsumer(WithQueue(q, "audit"), WithHandler(h), WithLogger(logger))
	require.NoError(t, err)

	n, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.messages()[0]
	assert.Nil(t, got.Subscriber)
	assert.Equal(t, "order 42\nshipped", got.Body)
	assert.True(t, logger.hasWarning("no subscriber for queue audit"))
}

func TestQueueConsumer_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newMemQueue(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	_, err := q.Enqueue(ctx, "orders", "hello")
	require.NoError(t, err)

	h := &capturingHandler{}
	c := newTestConsumer(t, q, "orders", h)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return q.len("orders") == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Len(t, h.messages(), 1)
	assert.Contains(t, c.GetRetrySchedule(), "Receive 1")
}
