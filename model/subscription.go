package model

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/coregx/notify/arn"
	"github.com/coregx/notify/retry"
)

// DefaultConfirmationWindow is how long a confirmation token stays valid.
const DefaultConfirmationWindow = 3 * 24 * time.Hour

// ArnChecker validates ARN syntax.
type ArnChecker interface {
	IsValidSubscriptionArn(s string) bool
	IsValidTopicArn(s string) bool
}

// Subscription is one endpoint's registration to a topic.
//
// Lifecycle:
//  1. Created unconfirmed with a fresh token and request date
//  2. Confirmed exactly once with the token while it is not expired
//  3. Deleted (unsubscribed) at any time
//
// Values are treated as immutable: the With* transitions return a modified copy.
type Subscription struct {
	ID       int64    `json:"-" db:"id"`
	Arn      string   `json:"subscriptionArn" db:"arn"`
	TopicArn string   `json:"topicArn" db:"topic_arn"`
	UserID   string   `json:"owner" db:"user_id"`
	Protocol Protocol `json:"protocol" db:"protocol"`
	Endpoint string   `json:"endpoint" db:"endpoint"`

	// Confirmation state
	Token       string       `json:"-" db:"token"`
	RequestDate time.Time    `json:"requestDate" db:"request_date"`
	ConfirmDate sql.NullTime `json:"-" db:"confirm_date"`
	Confirmed   bool         `json:"confirmed" db:"confirmed"`

	// Policy state
	AuthenticateOnUnsubscribe bool         `json:"authenticateOnUnsubscribe" db:"authenticate_on_unsubscribe"`
	DeliveryPolicy            retry.Policy `json:"deliveryPolicy" db:"delivery_policy"`
	RawMessageDelivery        bool         `json:"rawMessageDelivery" db:"raw_message_delivery"`
}

// TableName returns the database table name for Subscription.
func (s Subscription) TableName() string {
	return tablePrefix + "subscription"
}

// NewUnconfirmedSubscription creates a subscription awaiting confirmation.
// The ARN is derived from the topic ARN; if the topic ARN is malformed the ARN
// stays empty and Validate reports it.
func NewUnconfirmedSubscription(endpoint string, protocol Protocol, topicArn, userID string, requestDate time.Time) Subscription {
	subArn, _ := arn.NewSubscriptionArn(topicArn)
	return Subscription{
		Arn:         subArn,
		TopicArn:    topicArn,
		UserID:      userID,
		Protocol:    protocol,
		Endpoint:    endpoint,
		Token:       uuid.NewString(),
		RequestDate: requestDate,
	}
}

// NewSubscriptionRef creates a placeholder carrying only the ARN, used by
// lookup and update flows.
func NewSubscriptionRef(subscriptionArn string) Subscription {
	return Subscription{Arn: subscriptionArn}
}

// ValidationError identifies the first violated subscription invariant.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid subscription: %s %s", e.Field, e.Message)
}

var errBadConfirmation = errors.New("bad confirmation data")

// Validate checks the subscription invariants in a fixed order and returns a
// *ValidationError for the first failure. A nil checker uses the arn package.
func (s Subscription) Validate(checker ArnChecker) error {
	if checker == nil {
		checker = arn.Validator{}
	}

	fields := []struct {
		name  string
		value interface{}
		rules []validation.Rule
	}{
		{"arn", s.Arn, []validation.Rule{
			validation.Required.Error("is missing"),
			arnRule(checker.IsValidSubscriptionArn),
		}},
		{"topicArn", s.TopicArn, []validation.Rule{
			validation.Required.Error("is missing"),
			arnRule(checker.IsValidTopicArn),
		}},
		{"userId", s.UserID, []validation.Rule{validation.Required.Error("is missing")}},
		{"protocol", string(s.Protocol), []validation.Rule{validation.Required.Error("is missing")}},
		{"endpoint", s.Endpoint, []validation.Rule{validation.Required.Error("is missing")}},
		{"confirmDate", s, []validation.Rule{validation.By(confirmationConsistent)}},
	}

	for _, f := range fields {
		if err := validation.Validate(f.value, f.rules...); err != nil {
			return &ValidationError{Field: f.name, Message: err.Error()}
		}
	}
	return nil
}

func arnRule(valid func(string) bool) validation.Rule {
	return validation.By(func(value interface{}) error {
		s, _ := value.(string)
		if !valid(s) {
			return errors.New("is malformed")
		}
		return nil
	})
}

func confirmationConsistent(value interface{}) error {
	s, _ := value.(Subscription)
	if s.Confirmed != s.ConfirmDate.Valid {
		return errBadConfirmation
	}
	return nil
}

// IsTokenExpired reports whether the confirmation window has elapsed at now.
// The token is expired once the elapsed time reaches the window.
func (s Subscription) IsTokenExpired(now time.Time, window time.Duration) bool {
	return now.Sub(s.RequestDate) >= window
}

// IsConfirmed reports whether the subscription completed the handshake.
func (s Subscription) IsConfirmed() bool {
	return s.Confirmed && s.ConfirmDate.Valid
}

// WithConfirmation returns a confirmed copy.
func (s Subscription) WithConfirmation(at time.Time) Subscription {
	s.Confirmed = true
	s.ConfirmDate = sql.NullTime{Time: at, Valid: true}
	return s
}

// WithDeliveryPolicy returns a copy carrying the policy. The policy stages are
// copied so later edits to p do not leak into the subscription.
func (s Subscription) WithDeliveryPolicy(p retry.Policy) Subscription {
	s.DeliveryPolicy = retry.Policy{
		Stages:               append([]retry.Stage(nil), p.Stages...),
		MaxReceivesPerSecond: p.MaxReceivesPerSecond,
	}
	return s
}

// WithRawMessageDelivery returns a copy with raw delivery switched on or off.
func (s Subscription) WithRawMessageDelivery(raw bool) Subscription {
	s.RawMessageDelivery = raw
	return s
}

// WithAuthenticateOnUnsubscribe returns a copy with the unsubscribe check switched on or off.
func (s Subscription) WithAuthenticateOnUnsubscribe(v bool) Subscription {
	s.AuthenticateOnUnsubscribe = v
	return s
}

// Equal compares every attribute.
func (s Subscription) Equal(o Subscription) bool {
	return s.ID == o.ID &&
		s.Arn == o.Arn &&
		s.TopicArn == o.TopicArn &&
		s.UserID == o.UserID &&
		s.Protocol == o.Protocol &&
		s.Endpoint == o.Endpoint &&
		s.Token == o.Token &&
		s.RequestDate.Equal(o.RequestDate) &&
		s.ConfirmDate.Valid == o.ConfirmDate.Valid &&
		(!s.ConfirmDate.Valid || s.ConfirmDate.Time.Equal(o.ConfirmDate.Time)) &&
		s.Confirmed == o.Confirmed &&
		s.AuthenticateOnUnsubscribe == o.AuthenticateOnUnsubscribe &&
		s.DeliveryPolicy.Equal(o.DeliveryPolicy) &&
		s.RawMessageDelivery == o.RawMessageDelivery
}

// String renders the subscription for logs. The token is never printed.
func (s Subscription) String() string {
	confirmDate := "-"
	if s.ConfirmDate.Valid {
		confirmDate = s.ConfirmDate.Time.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"arn=%s topicArn=%s userId=%s protocol=%s endpoint=%s requestDate=%s confirmDate=%s confirmed=%t raw=%t authOnUnsubscribe=%t",
		s.Arn, s.TopicArn, s.UserID, s.Protocol, s.Endpoint,
		s.RequestDate.UTC().Format(time.RFC3339), confirmDate,
		s.Confirmed, s.RawMessageDelivery, s.AuthenticateOnUnsubscribe,
	)
}
