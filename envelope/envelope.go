// Package envelope encodes published messages into the bodies delivered to
// subscription endpoints.
//
// Three shapes exist:
//   - raw: the protocol override or default text, byte for byte
//   - structured: a JSON envelope carrying type, ids, topic, timestamp and the text
//   - relay: a newline-delimited document enumerating several internal queue
//     subscribers, consumed by the queue side to fan out again without a lookup
//
// Every encoding is a pure function of its inputs.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coregx/notify/model"
)

// SignatureVersion is written into every structured envelope.
const SignatureVersion = "1"

// TimestampFormat is the layout of envelope timestamps (UTC, millisecond precision).
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Envelope is the structured JSON body delivered when raw delivery is off.
type Envelope struct {
	Type             model.MessageType `json:"Type"`
	MessageID        string            `json:"MessageId"`
	Token            string            `json:"Token,omitempty"`
	TopicArn         string            `json:"TopicArn"`
	Subject          string            `json:"Subject,omitempty"`
	Message          string            `json:"Message"`
	SubscribeURL     string            `json:"SubscribeURL,omitempty"`
	Timestamp        string            `json:"Timestamp"`
	SignatureVersion string            `json:"SignatureVersion"`
	UnsubscribeURL   string            `json:"UnsubscribeURL,omitempty"`
}

// Codec renders envelopes. The endpoint URL is the public base URL of the
// service and is used to build subscribe and unsubscribe links; it may be empty.
type Codec struct {
	endpointURL string
}

// NewCodec creates a codec linking back to endpointURL.
func NewCodec(endpointURL string) *Codec {
	return &Codec{endpointURL: strings.TrimRight(endpointURL, "/")}
}

// Encode produces the body delivered to one subscription.
func (c *Codec) Encode(msg model.Message, sub model.Subscription) (string, error) {
	if sub.RawMessageDelivery {
		return Raw(msg, sub.Protocol), nil
	}
	data, err := c.Notification(msg, sub)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Raw returns the message text selected for the protocol with no wrapping.
func Raw(msg model.Message, p model.Protocol) string {
	return msg.BodyFor(p)
}

// Notification renders the structured envelope of a published message.
func (c *Codec) Notification(msg model.Message, sub model.Subscription) ([]byte, error) {
	return marshal(Envelope{
		Type:             model.MessageTypeNotification,
		MessageID:        msg.MessageID,
		TopicArn:         msg.TopicArn,
		Subject:          msg.Subject,
		Message:          msg.BodyFor(sub.Protocol),
		Timestamp:        FormatTimestamp(msg.Timestamp),
		SignatureVersion: SignatureVersion,
		UnsubscribeURL:   c.UnsubscribeURL(sub.Arn),
	})
}

// SubscriptionConfirmation renders the envelope asking an endpoint to confirm.
func (c *Codec) SubscriptionConfirmation(sub model.Subscription, messageID string, at time.Time) ([]byte, error) {
	return marshal(Envelope{
		Type:      model.MessageTypeSubscriptionConfirmation,
		MessageID: messageID,
		Token:     sub.Token,
		TopicArn:  sub.TopicArn,
		Message: fmt.Sprintf(
			"You have chosen to subscribe to the topic %s.\nTo confirm the subscription, visit the SubscribeURL included in this message.",
			sub.TopicArn),
		SubscribeURL:     c.SubscribeURL(sub),
		Timestamp:        FormatTimestamp(at),
		SignatureVersion: SignatureVersion,
	})
}

// UnsubscribeConfirmation renders the envelope sent after an unsubscribe.
// The SubscribeURL lets the owner undo the unsubscribe.
func (c *Codec) UnsubscribeConfirmation(sub model.Subscription, messageID string, at time.Time) ([]byte, error) {
	return marshal(Envelope{
		Type:      model.MessageTypeUnsubscribeConfirmation,
		MessageID: messageID,
		Token:     sub.Token,
		TopicArn:  sub.TopicArn,
		Message: fmt.Sprintf(
			"You have been unsubscribed from the topic %s.\nTo resubscribe to this topic, visit the SubscribeURL included in this message.",
			sub.TopicArn),
		SubscribeURL:     c.SubscribeURL(sub),
		Timestamp:        FormatTimestamp(at),
		SignatureVersion: SignatureVersion,
	})
}

// SubscribeURL returns the confirmation link of a subscription.
func (c *Codec) SubscribeURL(sub model.Subscription) string {
	if c.endpointURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("Action", "ConfirmSubscription")
	q.Set("TopicArn", sub.TopicArn)
	q.Set("SubscriptionArn", sub.Arn)
	q.Set("Token", sub.Token)
	return c.endpointURL + "/?" + q.Encode()
}

// UnsubscribeURL returns the unsubscribe link of a subscription.
func (c *Codec) UnsubscribeURL(subscriptionArn string) string {
	if c.endpointURL == "" || subscriptionArn == "" {
		return ""
	}
	q := url.Values{}
	q.Set("Action", "Unsubscribe")
	q.Set("SubscriptionArn", subscriptionArn)
	return c.endpointURL + "/?" + q.Encode()
}

// Decode parses a structured envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, malformed(0, "structured envelope is not valid JSON: %v", err)
	}
	if env.Type == "" || env.MessageID == "" {
		return Envelope{}, malformed(0, "structured envelope lacks Type or MessageId")
	}
	return env, nil
}

// FormatTimestamp renders t in TimestampFormat.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

func marshal(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
