package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/coregx/notify/arn"
	"github.com/coregx/notify/envelope"
	"github.com/coregx/notify/model"
	"github.com/coregx/notify/retry"
)

// Subscription attribute names accepted by SetAttribute.
const (
	AttributeDeliveryPolicy            = "DeliveryPolicy"
	AttributeRawMessageDelivery        = "RawMessageDelivery"
	AttributeAuthenticateOnUnsubscribe = "AuthenticateOnUnsubscribe"
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,256}$`)

// SubscriptionManager handles the subscription lifecycle: subscribe, confirm,
// unsubscribe and attribute changes.
//
// Attribute changes and confirmations of the same subscription are serialized,
// so a concurrent confirm is never overwritten by a stale save.
//
// Thread safety: Safe for concurrent use.
type SubscriptionManager struct {
	subscriptionRepo    SubscriptionRepository
	confirmer           *Confirmer
	transport           Transport
	codec               *envelope.Codec
	arnChecker          ArnChecker
	notificationService NotificationService
	metrics             Metrics
	logger              Logger
	clock               func() time.Time
}

// SubscriptionManagerOption is a function that configures a SubscriptionManager.
type SubscriptionManagerOption func(*SubscriptionManager) error

// NewSubscriptionManager creates a new SubscriptionManager with the provided options.
//
// Required options:
//   - WithSubscriptionManagerRepository: subscription repository
//   - WithSubscriptionManagerLogger: logger instance
//
// Optional options:
//   - WithConfirmationTransport: send SubscriptionConfirmation and
//     UnsubscribeConfirmation envelopes to new endpoints
//   - WithSubscriptionManagerConfirmer: share a Confirmer (default: one built
//     over the same repository)
//
// Example:
//
//	manager, err := notify.NewSubscriptionManager(
//	    notify.WithSubscriptionManagerRepository(repos.Subscription),
//	    notify.WithSubscriptionManagerLogger(logger),
//	)
func NewSubscriptionManager(opts ...SubscriptionManagerOption) (*SubscriptionManager, error) {
	sm := &SubscriptionManager{
		codec:               envelope.NewCodec(""),
		arnChecker:          arn.Validator{},
		notificationService: &NoOpNotificationService{},
		metrics:             NoopMetrics{},
		clock:               time.Now,
	}

	for _, opt := range opts {
		if err := opt(sm); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply subscription manager option", err)
		}
	}

	if sm.subscriptionRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionRepository is required (use WithSubscriptionManagerRepository)")
	}
	if sm.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithSubscriptionManagerLogger)")
	}

	if sm.confirmer == nil {
		confirmer, err := NewConfirmer(
			WithConfirmerRepository(sm.subscriptionRepo),
			WithConfirmerClock(sm.clock),
			WithConfirmerLogger(sm.logger),
			WithConfirmerMetrics(sm.metrics),
		)
		if err != nil {
			return nil, err
		}
		sm.confirmer = confirmer
	}

	return sm, nil
}

// WithSubscriptionManagerRepository sets the subscription repository.
func WithSubscriptionManagerRepository(repo SubscriptionRepository) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if repo == nil {
			return fmt.Errorf("subscriptionRepo cannot be nil")
		}
		sm.subscriptionRepo = repo
		return nil
	}
}

// WithSubscriptionManagerLogger sets the logger instance for the subscription manager.
func WithSubscriptionManagerLogger(logger Logger) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		sm.logger = logger
		return nil
	}
}

// WithSubscriptionManagerConfirmer shares a Confirmer with the manager.
func WithSubscriptionManagerConfirmer(c *Confirmer) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if c == nil {
			return fmt.Errorf("confirmer cannot be nil")
		}
		sm.confirmer = c
		return nil
	}
}

// WithConfirmationTransport makes Subscribe and Unsubscribe send confirmation
// envelopes through the transport. The codec supplies the link base URL.
func WithConfirmationTransport(t Transport, codec *envelope.Codec) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if t == nil {
			return fmt.Errorf("transport cannot be nil")
		}
		if codec == nil {
			return fmt.Errorf("codec cannot be nil")
		}
		sm.transport = t
		sm.codec = codec
		return nil
	}
}

// WithSubscriptionManagerNotifications sets the notification service.
func WithSubscriptionManagerNotifications(service NotificationService) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		sm.notificationService = service
		return nil
	}
}

// WithSubscriptionManagerMetrics sets the metrics sink.
func WithSubscriptionManagerMetrics(m Metrics) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if m == nil {
			return fmt.Errorf("metrics cannot be nil")
		}
		sm.metrics = m
		return nil
	}
}

// WithSubscriptionManagerClock sets the time source.
func WithSubscriptionManagerClock(clock func() time.Time) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		sm.clock = clock
		return nil
	}
}

// Confirmer returns the confirmer used by the manager.
func (sm *SubscriptionManager) Confirmer() *Confirmer {
	return sm.confirmer
}

// SubscribeRequest represents a request to create a new subscription.
type SubscribeRequest struct {
	TopicArn string // Topic to subscribe to (required)
	Protocol string // Protocol name, case-insensitive (required)
	Endpoint string // URL, email address or queue name, depending on protocol (required)
	UserID   string // Owner (required)
}

// Validate checks the request fields and the endpoint format for the protocol.
func (r SubscribeRequest) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.TopicArn, validation.Required, validation.By(func(value interface{}) error {
			if !arn.IsValidTopicArn(value.(string)) {
				return fmt.Errorf("is malformed")
			}
			return nil
		})),
		validation.Field(&r.Protocol, validation.Required),
		validation.Field(&r.Endpoint, validation.Required),
		validation.Field(&r.UserID, validation.Required),
	)
	if err != nil {
		return err
	}
	protocol, err := model.ParseProtocol(r.Protocol)
	if err != nil {
		return validation.Errors{"protocol": err}
	}
	return validateEndpoint(protocol, r.Endpoint)
}

func validateEndpoint(protocol model.Protocol, endpoint string) error {
	var err error
	switch protocol {
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		scheme := string(protocol) + "://"
		err = validation.Validate(endpoint, is.URL, validation.By(func(value interface{}) error {
			if !strings.HasPrefix(strings.ToLower(value.(string)), scheme) {
				return fmt.Errorf("must start with %s", scheme)
			}
			return nil
		}))
	case model.ProtocolEmail, model.ProtocolEmailJSON:
		err = validation.Validate(endpoint, is.EmailFormat)
	default:
		// queue name or queue URL
		if is.URL.Validate(endpoint) != nil {
			err = validation.Validate(endpoint, validation.Match(queueNamePattern).Error("must be a queue name or URL"))
		}
	}
	if err != nil {
		return validation.Errors{"endpoint": err}
	}
	return nil
}

// Subscribe creates an unconfirmed subscription with a fresh token.
//
// If the same (topic, protocol, endpoint) is already subscribed the existing
// subscription is returned. When a confirmation transport is configured a
// SubscriptionConfirmation envelope is sent to the endpoint; a failed send is
// logged and does not fail the subscribe.
func (sm *SubscriptionManager) Subscribe(ctx context.Context, req SubscribeRequest) (model.Subscription, error) {
	if err := req.Validate(); err != nil {
		return model.Subscription{}, NewErrorWithCause(ErrCodeValidation, err.Error(), err)
	}
	protocol, _ := model.ParseProtocol(req.Protocol)

	existing, err := sm.subscriptionRepo.ListByTopic(ctx, req.TopicArn)
	if err != nil && !IsNoData(err) {
		return model.Subscription{}, NewErrorWithCause(ErrCodeDatabase, "failed to list subscriptions", err)
	}
	for _, sub := range existing {
		if sub.Protocol == protocol && sub.Endpoint == req.Endpoint {
			sm.logger.Debugf("Subscription already exists: arn=%s", sub.Arn)
			return sub, nil
		}
	}

	sub := model.NewUnconfirmedSubscription(req.Endpoint, protocol, req.TopicArn, req.UserID, sm.clock())
	if err := validateSubscription(sub, sm.arnChecker); err != nil {
		return model.Subscription{}, err
	}

	saved, err := sm.subscriptionRepo.Save(ctx, sub)
	if err != nil {
		return model.Subscription{}, NewErrorWithCause(ErrCodeDatabase, "failed to create subscription", err)
	}

	sm.metrics.SubscriptionEvent("created")
	sm.logger.Infof("Subscription created: arn=%s, protocol=%s, endpoint=%s", saved.Arn, saved.Protocol, saved.Endpoint)

	if err := sm.notificationService.NotifySubscriptionCreated(ctx, saved); err != nil {
		sm.logger.Warnf("Failed to send subscription created notification: %v", err)
	}

	if sm.transport != nil {
		body, err := sm.codec.SubscriptionConfirmation(saved, uuid.NewString(), sm.clock())
		if err == nil {
			err = sm.send(ctx, saved, model.MessageTypeSubscriptionConfirmation, string(body))
		}
		if err != nil {
			sm.logger.Warnf("Failed to send subscription confirmation to %s: %v", saved.Endpoint, err)
		}
	}

	return saved, nil
}

// Confirm confirms a subscription with the token issued at subscribe time.
// See Confirmer.Confirm for the outcomes.
func (sm *SubscriptionManager) Confirm(ctx context.Context, subscriptionArn, token string) (model.Subscription, error) {
	return sm.confirmer.Confirm(ctx, subscriptionArn, token)
}

// Unsubscribe deletes a subscription.
//
// When the subscription requires authentication on unsubscribe, userID must
// match the owner; otherwise AUTHORIZATION_ERROR is returned.
func (sm *SubscriptionManager) Unsubscribe(ctx context.Context, subscriptionArn, userID string) error {
	var deleted model.Subscription
	err := sm.confirmer.locks.with(subscriptionArn, func() error {
		sub, err := sm.load(ctx, subscriptionArn)
		if err != nil {
			return err
		}
		if sub.AuthenticateOnUnsubscribe && sub.UserID != userID {
			sm.logger.Warnf("Unsubscribe rejected: arn=%s, user=%s", subscriptionArn, userID)
			return ErrNotAuthorized
		}
		if err := sm.subscriptionRepo.Delete(ctx, subscriptionArn); err != nil {
			if IsNoData(err) {
				return err
			}
			return NewErrorWithCause(ErrCodeDatabase, "failed to delete subscription", err)
		}
		deleted = sub
		return nil
	})
	if err != nil {
		return err
	}

	sm.metrics.SubscriptionEvent("deleted")
	sm.logger.Infof("Subscription deleted: arn=%s", subscriptionArn)

	if sm.transport != nil && deleted.IsConfirmed() {
		body, err := sm.codec.UnsubscribeConfirmation(deleted, uuid.NewString(), sm.clock())
		if err == nil {
			err = sm.send(ctx, deleted, model.MessageTypeUnsubscribeConfirmation, string(body))
		}
		if err != nil {
			sm.logger.Warnf("Failed to send unsubscribe confirmation to %s: %v", deleted.Endpoint, err)
		}
	}

	if err := sm.notificationService.NotifySubscriptionDeleted(ctx, deleted); err != nil {
		sm.logger.Warnf("Failed to send subscription deleted notification: %v", err)
	}
	return nil
}

// GetSubscription returns a subscription by ARN.
func (sm *SubscriptionManager) GetSubscription(ctx context.Context, subscriptionArn string) (model.Subscription, error) {
	return sm.load(ctx, subscriptionArn)
}

// ListSubscriptionsByTopic returns every subscription of a topic.
func (sm *SubscriptionManager) ListSubscriptionsByTopic(ctx context.Context, topicArn string) ([]model.Subscription, error) {
	if !sm.arnChecker.IsValidTopicArn(topicArn) {
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("invalid topic arn: %q", topicArn))
	}
	subs, err := sm.subscriptionRepo.ListByTopic(ctx, topicArn)
	if err != nil {
		if IsNoData(err) {
			return []model.Subscription{}, nil
		}
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to list subscriptions", err)
	}
	return subs, nil
}

// SetDeliveryPolicy replaces the subscription's delivery policy.
func (sm *SubscriptionManager) SetDeliveryPolicy(ctx context.Context, subscriptionArn string, policy retry.Policy) (model.Subscription, error) {
	if err := policy.Validate(); err != nil {
		return model.Subscription{}, NewErrorWithCause(ErrCodeValidation, "invalid delivery policy", err)
	}
	return sm.update(ctx, subscriptionArn, func(sub model.Subscription) model.Subscription {
		return sub.WithDeliveryPolicy(policy)
	})
}

// SetRawMessageDelivery toggles raw message delivery.
func (sm *SubscriptionManager) SetRawMessageDelivery(ctx context.Context, subscriptionArn string, raw bool) (model.Subscription, error) {
	return sm.update(ctx, subscriptionArn, func(sub model.Subscription) model.Subscription {
		return sub.WithRawMessageDelivery(raw)
	})
}

// SetAttribute sets a subscription attribute from its string form.
//
// DeliveryPolicy accepts either {"stages":[...]} or a healthyRetryPolicy object,
// optionally wrapped as {"healthyRetryPolicy":{...}}. An empty value clears the
// policy. The boolean attributes accept "true" and "false".
func (sm *SubscriptionManager) SetAttribute(ctx context.Context, subscriptionArn, name, value string) (model.Subscription, error) {
	switch name {
	case AttributeDeliveryPolicy:
		policy, err := ParseDeliveryPolicy(value)
		if err != nil {
			return model.Subscription{}, err
		}
		return sm.SetDeliveryPolicy(ctx, subscriptionArn, policy)
	case AttributeRawMessageDelivery, AttributeAuthenticateOnUnsubscribe:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return model.Subscription{}, NewErrorWithCause(ErrCodeValidation,
				fmt.Sprintf("attribute %s must be true or false", name), err)
		}
		if name == AttributeRawMessageDelivery {
			return sm.SetRawMessageDelivery(ctx, subscriptionArn, v)
		}
		return sm.update(ctx, subscriptionArn, func(sub model.Subscription) model.Subscription {
			return sub.WithAuthenticateOnUnsubscribe(v)
		})
	default:
		return model.Subscription{}, NewError(ErrCodeValidation, fmt.Sprintf("unknown attribute: %q", name))
	}
}

// ParseDeliveryPolicy decodes a delivery policy attribute value.
func ParseDeliveryPolicy(value string) (retry.Policy, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return retry.Policy{}, nil
	}

	var probe struct {
		Stages  json.RawMessage `json:"stages"`
		Healthy json.RawMessage `json:"healthyRetryPolicy"`
	}
	if err := json.Unmarshal([]byte(value), &probe); err != nil {
		return retry.Policy{}, NewErrorWithCause(ErrCodeValidation, "delivery policy is not valid JSON", err)
	}

	if probe.Stages != nil {
		var policy retry.Policy
		if err := json.Unmarshal([]byte(value), &policy); err != nil {
			return retry.Policy{}, NewErrorWithCause(ErrCodeValidation, "invalid delivery policy", err)
		}
		return policy, nil
	}

	raw := []byte(value)
	if probe.Healthy != nil {
		raw = probe.Healthy
	}
	healthy := retry.DefaultHealthyRetryPolicy()
	if err := json.Unmarshal(raw, &healthy); err != nil {
		return retry.Policy{}, NewErrorWithCause(ErrCodeValidation, "invalid healthy retry policy", err)
	}
	policy, err := retry.FromHealthyRetryPolicy(healthy)
	if err != nil {
		return retry.Policy{}, NewErrorWithCause(ErrCodeValidation, "invalid healthy retry policy", err)
	}
	return policy, nil
}

// update applies fn to the stored subscription under the subscription's lock.
func (sm *SubscriptionManager) update(
	ctx context.Context,
	subscriptionArn string,
	fn func(model.Subscription) model.Subscription,
) (model.Subscription, error) {
	var updated model.Subscription
	err := sm.confirmer.locks.with(subscriptionArn, func() error {
		sub, err := sm.load(ctx, subscriptionArn)
		if err != nil {
			return err
		}
		saved, err := sm.subscriptionRepo.Save(ctx, fn(sub))
		if err != nil {
			return NewErrorWithCause(ErrCodeDatabase, "failed to update subscription", err)
		}
		updated = saved
		return nil
	})
	if err != nil {
		return model.Subscription{}, err
	}
	sm.logger.Debugf("Subscription updated: arn=%s", subscriptionArn)
	return updated, nil
}

func (sm *SubscriptionManager) load(ctx context.Context, subscriptionArn string) (model.Subscription, error) {
	if !sm.arnChecker.IsValidSubscriptionArn(subscriptionArn) {
		return model.Subscription{}, NewError(ErrCodeValidation, fmt.Sprintf("invalid subscription arn: %q", subscriptionArn))
	}
	sub, err := sm.subscriptionRepo.Load(ctx, subscriptionArn)
	if err != nil {
		if IsNoData(err) {
			return model.Subscription{}, err
		}
		return model.Subscription{}, NewErrorWithCause(ErrCodeDatabase, "failed to load subscription", err)
	}
	return sub, nil
}

func (sm *SubscriptionManager) send(ctx context.Context, sub model.Subscription, msgType model.MessageType, body string) error {
	return sm.transport.Deliver(ctx, DeliveryRequest{
		Protocol:        sub.Protocol,
		Endpoint:        sub.Endpoint,
		SubscriptionArn: sub.Arn,
		TopicArn:        sub.TopicArn,
		MessageType:     msgType,
		Body:            body,
	})
}
