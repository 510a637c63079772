package transport

import (
	"context"
	"fmt"

	"github.com/coregx/notify"
)

// Queue delivers to internal queue subscriptions by enqueueing the body on the
// queue named by the endpoint.
type Queue struct {
	queue notify.DurableQueue
}

// NewQueue creates a queue transport over a durable queue.
func NewQueue(q notify.DurableQueue) *Queue {
	return &Queue{queue: q}
}

// Deliver implements notify.Transport.
func (t *Queue) Deliver(ctx context.Context, req notify.DeliveryRequest) error {
	if req.Endpoint == "" {
		return fmt.Errorf("queue endpoint is empty")
	}
	if _, err := t.queue.Enqueue(ctx, req.Endpoint, req.Body); err != nil {
		return fmt.Errorf("enqueue to %s: %w", req.Endpoint, err)
	}
	return nil
}
