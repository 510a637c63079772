package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// MessageType is the envelope type of a delivered message.
type MessageType string

const (
	MessageTypeNotification             MessageType = "Notification"
	MessageTypeSubscriptionConfirmation MessageType = "SubscriptionConfirmation"
	MessageTypeUnsubscribeConfirmation  MessageType = "UnsubscribeConfirmation"
)

// DefaultBodyKey is the mandatory key of a message structure.
const DefaultBodyKey = "default"

// MessageBody is the payload of a published message: a default text and
// optional per-protocol overrides.
type MessageBody struct {
	Default   string
	Overrides map[Protocol]string
}

// TextBody creates a body without overrides.
func TextBody(text string) MessageBody {
	return MessageBody{Default: text}
}

// HasOverrides reports whether any per-protocol text is present.
func (b MessageBody) HasOverrides() bool {
	return len(b.Overrides) > 0
}

// For returns the text for a protocol, falling back to the default.
func (b MessageBody) For(p Protocol) string {
	if text, ok := b.Overrides[p]; ok {
		return text
	}
	return b.Default
}

// ParseMessageStructure parses a JSON object mapping protocol names to text,
// e.g. {"default": "hi", "email": "Hi there"}. The "default" key is mandatory
// and unknown protocol names are rejected.
func ParseMessageStructure(data string) (MessageBody, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return MessageBody{}, fmt.Errorf("message structure is not a JSON object of strings: %w", err)
	}
	def, ok := raw[DefaultBodyKey]
	if !ok {
		return MessageBody{}, errors.New("message structure must contain a \"default\" key")
	}
	body := MessageBody{Default: def}
	for key, text := range raw {
		if key == DefaultBodyKey {
			continue
		}
		p, err := ParseProtocol(key)
		if err != nil {
			return MessageBody{}, fmt.Errorf("message structure: %w", err)
		}
		if body.Overrides == nil {
			body.Overrides = make(map[Protocol]string)
		}
		body.Overrides[p] = text
	}
	return body, nil
}

// Message is a published message. It is not persisted by the fan-out path.
type Message struct {
	TopicArn  string
	AccountID string
	MessageID string
	Timestamp time.Time
	Subject   string
	Body      MessageBody
}

// NewMessage creates a message with a fresh id and the given timestamp.
func NewMessage(topicArn, accountID, subject string, body MessageBody, timestamp time.Time) Message {
	return Message{
		TopicArn:  topicArn,
		AccountID: accountID,
		MessageID: uuid.NewString(),
		Timestamp: timestamp,
		Subject:   subject,
		Body:      body,
	}
}

// BodyFor returns the message text selected for a protocol.
func (m Message) BodyFor(p Protocol) string {
	return m.Body.For(p)
}

// Validate checks the fields a publish needs. Overrides must name known protocols.
func (m Message) Validate() error {
	err := validation.ValidateStruct(&m,
		validation.Field(&m.TopicArn, validation.Required),
		validation.Field(&m.MessageID, validation.Required),
		validation.Field(&m.Timestamp, validation.Required),
		validation.Field(&m.Subject, validation.Length(0, 100)),
	)
	if err != nil {
		return err
	}
	for p := range m.Body.Overrides {
		if !p.IsValid() {
			return fmt.Errorf("body: unknown protocol override %q", p)
		}
	}
	return nil
}
