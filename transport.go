package notify

import (
	"context"

	"github.com/coregx/notify/model"
)

// DeliveryRequest is one delivery attempt handed to a transport.
type DeliveryRequest struct {
	Protocol        model.Protocol
	Endpoint        string
	SubscriptionArn string
	TopicArn        string
	MessageID       string
	MessageType     model.MessageType
	Subject         string
	Body            string
	Raw             bool

	// MaxPerSecond throttles deliveries to the subscription (0 = unlimited).
	MaxPerSecond int
}

// Transport performs network delivery. One implementation usually exists per
// protocol; transport.Mux routes by protocol.
//
// Deliver returns nil on success. Transports do not retry; the publisher's
// delivery policy does.
type Transport interface {
	Deliver(ctx context.Context, req DeliveryRequest) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req DeliveryRequest) error

// Deliver calls f(ctx, req).
func (f TransportFunc) Deliver(ctx context.Context, req DeliveryRequest) error {
	return f(ctx, req)
}
