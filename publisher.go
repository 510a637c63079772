package notify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coregx/notify/arn"
	"github.com/coregx/notify/envelope"
	"github.com/coregx/notify/model"
	"github.com/coregx/notify/retry"
)

// OutcomeStatus is the terminal status of one subscription in a publish.
type OutcomeStatus string

const (
	OutcomeDelivered OutcomeStatus = OutcomeStatus(model.DeliveryStatusDelivered)
	OutcomeFailed    OutcomeStatus = OutcomeStatus(model.DeliveryStatusFailed)
	OutcomeCancelled OutcomeStatus = OutcomeStatus(model.DeliveryStatusCancelled)
	// OutcomeSkipped marks an unconfirmed subscription; nothing was sent.
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome reports what happened to one subscription.
type Outcome struct {
	SubscriptionArn string
	Protocol        model.Protocol
	Endpoint        string
	Status          OutcomeStatus
	Attempts        int
	// Err is the last transport error; for a failed outcome it is a
	// DELIVERY_EXHAUSTED error wrapping it.
	Err error
}

// PublishResult aggregates the outcomes of one publish, in subscription order.
type PublishResult struct {
	MessageID string
	Outcomes  []Outcome
}

// Count returns the number of outcomes with the given status.
func (r *PublishResult) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// PublishRequest represents a request to publish a message to a topic.
type PublishRequest struct {
	TopicArn string
	Subject  string
	Message  string
	// MessageStructure "json" makes Message a JSON object of protocol name to
	// text with a mandatory "default" key.
	MessageStructure string
}

// Publisher fans a published message out to the confirmed subscriptions of a topic.
//
// For every subscription, independently and concurrently: encode the body,
// deliver it through the transport, and on failure wait and retry according to
// the subscription's delivery policy until delivered or exhausted. Attempts for
// one subscription are strictly sequential.
//
// Thread safety: Safe for concurrent use.
type Publisher struct {
	subscriptionRepo    SubscriptionRepository
	transport           Transport
	deliveryRepo        DeliveryRepository
	dlqRepo             DLQRepository
	notificationService NotificationService
	logger              Logger
	metrics             Metrics
	codec               *envelope.Codec
	arnChecker          ArnChecker
	defaultPolicies     map[model.Protocol]retry.Policy
	concurrency         int
	attemptTimeout      time.Duration
	clock               func() time.Time
	wait                func(ctx context.Context, d time.Duration) error
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher) error

// NewPublisher creates a new Publisher with the provided options.
//
// Required options:
//   - WithPublisherTransport: transport performing the deliveries
//   - WithPublisherLogger: logger instance
//
// Optional options:
//   - WithPublisherRepository: subscription repository, required by Publish
//   - WithDeliveryRecords: delivery and dead-letter repositories
//   - WithDefaultPolicy: delivery policy per protocol (default: HTTP(S) retry three times)
//   - WithConcurrency: concurrent deliveries per publish (default: 16)
//   - WithAttemptTimeout: bound of one transport call (default: 15s)
//
// Example:
//
//	publisher, err := notify.NewPublisher(
//	    notify.WithPublisherRepository(repos.Subscription),
//	    notify.WithPublisherTransport(mux),
//	    notify.WithPublisherLogger(logger),
//	)
func NewPublisher(opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		notificationService: &NoOpNotificationService{},
		metrics:             NoopMetrics{},
		codec:               envelope.NewCodec(""),
		arnChecker:          arn.Validator{},
		defaultPolicies: map[model.Protocol]retry.Policy{
			model.ProtocolHTTP:  retry.DefaultHTTPPolicy(),
			model.ProtocolHTTPS: retry.DefaultHTTPPolicy(),
		},
		concurrency:    16,
		attemptTimeout: 15 * time.Second,
		clock:          time.Now,
		wait:           sleepContext,
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply publisher option", err)
		}
	}

	if p.transport == nil {
		return nil, NewError(ErrCodeConfiguration, "Transport is required (use WithPublisherTransport)")
	}
	if p.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithPublisherLogger)")
	}

	return p, nil
}

// WithPublisherRepository sets the subscription repository used by Publish.
func WithPublisherRepository(repo SubscriptionRepository) PublisherOption {
	return func(p *Publisher) error {
		if repo == nil {
			return fmt.Errorf("subscriptionRepo cannot be nil")
		}
		p.subscriptionRepo = repo
		return nil
	}
}

// WithPublisherTransport sets the transport.
func WithPublisherTransport(t Transport) PublisherOption {
	return func(p *Publisher) error {
		if t == nil {
			return fmt.Errorf("transport cannot be nil")
		}
		p.transport = t
		return nil
	}
}

// WithPublisherLogger sets the logger instance.
func WithPublisherLogger(logger Logger) PublisherOption {
	return func(p *Publisher) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		p.logger = logger
		return nil
	}
}

// WithDeliveryRecords makes the publisher persist delivery records and write a
// dead letter for every exhausted delivery.
func WithDeliveryRecords(deliveryRepo DeliveryRepository, dlqRepo DLQRepository) PublisherOption {
	return func(p *Publisher) error {
		if deliveryRepo == nil {
			return fmt.Errorf("deliveryRepo cannot be nil")
		}
		if dlqRepo == nil {
			return fmt.Errorf("dlqRepo cannot be nil")
		}
		p.deliveryRepo = deliveryRepo
		p.dlqRepo = dlqRepo
		return nil
	}
}

// WithPublisherNotifications sets the notification service.
func WithPublisherNotifications(service NotificationService) PublisherOption {
	return func(p *Publisher) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		p.notificationService = service
		return nil
	}
}

// WithPublisherMetrics sets the metrics sink.
func WithPublisherMetrics(m Metrics) PublisherOption {
	return func(p *Publisher) error {
		if m == nil {
			return fmt.Errorf("metrics cannot be nil")
		}
		p.metrics = m
		return nil
	}
}

// WithPublisherCodec sets the envelope codec (for the unsubscribe link base URL).
func WithPublisherCodec(codec *envelope.Codec) PublisherOption {
	return func(p *Publisher) error {
		if codec == nil {
			return fmt.Errorf("codec cannot be nil")
		}
		p.codec = codec
		return nil
	}
}

// WithPublisherArnChecker replaces the ARN syntax checker.
func WithPublisherArnChecker(checker ArnChecker) PublisherOption {
	return func(p *Publisher) error {
		if checker == nil {
			return fmt.Errorf("arn checker cannot be nil")
		}
		p.arnChecker = checker
		return nil
	}
}

// WithDefaultPolicy sets the delivery policy used for subscriptions of the
// protocol that have none of their own.
func WithDefaultPolicy(protocol model.Protocol, policy retry.Policy) PublisherOption {
	return func(p *Publisher) error {
		if !protocol.IsValid() {
			return fmt.Errorf("unknown protocol %q", protocol)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("invalid default policy for %s: %w", protocol, err)
		}
		p.defaultPolicies[protocol] = policy
		return nil
	}
}

// WithConcurrency bounds the number of subscriptions delivered concurrently
// within one publish. Must be > 0.
func WithConcurrency(n int) PublisherOption {
	return func(p *Publisher) error {
		if n <= 0 {
			return fmt.Errorf("concurrency must be > 0, got %d", n)
		}
		p.concurrency = n
		return nil
	}
}

// WithAttemptTimeout bounds one transport call. Must be > 0.
func WithAttemptTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) error {
		if d <= 0 {
			return fmt.Errorf("attempt timeout must be > 0, got %v", d)
		}
		p.attemptTimeout = d
		return nil
	}
}

// WithPublisherClock sets the time source.
func WithPublisherClock(clock func() time.Time) PublisherOption {
	return func(p *Publisher) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		p.clock = clock
		return nil
	}
}

// Publish builds a message from the request and fans it out to the topic's
// confirmed subscriptions.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if p.subscriptionRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionRepository is required (use WithPublisherRepository)")
	}

	msg, err := p.NewMessage(req)
	if err != nil {
		return nil, err
	}

	subs, err := p.subscriptionRepo.ListConfirmed(ctx, req.TopicArn)
	if err != nil && !IsNoData(err) {
		return nil, NewErrorWithCause(ErrCodeDatabase, "failed to load subscriptions", err)
	}

	return p.PublishTo(ctx, msg, subs)
}

// NewMessage validates a publish request and builds the message with a fresh id.
func (p *Publisher) NewMessage(req PublishRequest) (model.Message, error) {
	if !p.arnChecker.IsValidTopicArn(req.TopicArn) {
		return model.Message{}, NewError(ErrCodeValidation, fmt.Sprintf("invalid topic arn: %q", req.TopicArn))
	}

	var body model.MessageBody
	switch req.MessageStructure {
	case "":
		body = model.TextBody(req.Message)
	case "json":
		parsed, err := model.ParseMessageStructure(req.Message)
		if err != nil {
			return model.Message{}, NewErrorWithCause(ErrCodeValidation, "invalid message structure", err)
		}
		body = parsed
	default:
		return model.Message{}, NewError(ErrCodeValidation, fmt.Sprintf("unsupported message structure: %q", req.MessageStructure))
	}

	account, _ := arn.AccountOf(req.TopicArn)
	return model.NewMessage(req.TopicArn, account, req.Subject, body, p.clock()), nil
}

// EncodeForSubscription returns the body one subscription receives for the message.
func (p *Publisher) EncodeForSubscription(msg model.Message, sub model.Subscription) (string, error) {
	return p.codec.Encode(msg, sub)
}

// PublishTo fans the message out to the given subscriptions.
//
// Unconfirmed subscriptions are skipped. When two or more internal queue
// subscriptions are present they all receive one relay document listing them in
// the order supplied.
//
// Per-subscription failures are reported in the result. An error is returned
// for an invalid message, or when no eligible subscription was delivered; the
// result is returned alongside it.
//
// Cancelling ctx drops pending retries (status cancelled); an attempt already in
// flight completes, bounded by the attempt timeout.
func (p *Publisher) PublishTo(ctx context.Context, msg model.Message, subs []model.Subscription) (*PublishResult, error) {
	if !p.arnChecker.IsValidTopicArn(msg.TopicArn) {
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("invalid topic arn: %q", msg.TopicArn))
	}
	if err := msg.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "invalid message", err)
	}

	result := &PublishResult{
		MessageID: msg.MessageID,
		Outcomes:  make([]Outcome, len(subs)),
	}

	var queueSubs []model.Subscription
	eligible := 0
	for i, sub := range subs {
		if !sub.IsConfirmed() {
			result.Outcomes[i] = Outcome{
				SubscriptionArn: sub.Arn,
				Protocol:        sub.Protocol,
				Endpoint:        sub.Endpoint,
				Status:          OutcomeSkipped,
			}
			continue
		}
		eligible++
		if sub.Protocol == model.ProtocolCQS {
			queueSubs = append(queueSubs, sub)
		}
	}

	var relayDoc string
	if len(queueSubs) >= 2 {
		doc, err := envelope.EncodeRelay(envelope.NewRelay(msg, queueSubs))
		if err != nil {
			return nil, NewErrorWithCause(ErrCodeValidation, "failed to encode relay document", err)
		}
		relayDoc = doc
	}

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i := range subs {
		if result.Outcomes[i].Status == OutcomeSkipped {
			continue
		}
		sub := subs[i]
		g.Go(func() error {
			body, msgType := relayDoc, model.MessageTypeNotification
			if sub.Protocol != model.ProtocolCQS || relayDoc == "" {
				var err error
				body, err = p.codec.Encode(msg, sub)
				if err != nil {
					result.Outcomes[i] = Outcome{
						SubscriptionArn: sub.Arn, Protocol: sub.Protocol, Endpoint: sub.Endpoint,
						Status: OutcomeFailed, Err: NewErrorWithCause(ErrCodeDelivery, "failed to encode message", err),
					}
					return nil
				}
			}
			result.Outcomes[i] = p.deliver(ctx, msg, sub, msgType, body)
			return nil
		})
	}
	_ = g.Wait()

	delivered := result.Count(OutcomeDelivered)
	p.logger.Infof("Published message %s to topic %s: delivered=%d, failed=%d, cancelled=%d, skipped=%d",
		msg.MessageID, msg.TopicArn, delivered, result.Count(OutcomeFailed),
		result.Count(OutcomeCancelled), result.Count(OutcomeSkipped))

	if eligible > 0 && delivered == 0 {
		if result.Count(OutcomeCancelled) > 0 {
			return result, NewErrorWithCause(ErrCodeDelivery, "publish cancelled before any delivery succeeded", context.Cause(ctx))
		}
		return result, NewError(ErrCodeDeliveryExhausted,
			fmt.Sprintf("delivery failed for all %d subscriptions", eligible))
	}
	return result, nil
}

// deliver runs the attempt loop of one subscription.
func (p *Publisher) deliver(ctx context.Context, msg model.Message, sub model.Subscription, msgType model.MessageType, body string) Outcome {
	policy := p.policyFor(sub)
	schedule := policy.Schedule()
	delivery := model.NewDelivery(msg.MessageID, sub, schedule.Remaining(), p.clock())
	p.saveDelivery(ctx, &delivery)

	outcome := Outcome{SubscriptionArn: sub.Arn, Protocol: sub.Protocol, Endpoint: sub.Endpoint}
	req := DeliveryRequest{
		Protocol:        sub.Protocol,
		Endpoint:        sub.Endpoint,
		SubscriptionArn: sub.Arn,
		TopicArn:        msg.TopicArn,
		MessageID:       msg.MessageID,
		MessageType:     msgType,
		Subject:         msg.Subject,
		Body:            body,
		Raw:             sub.RawMessageDelivery,
		MaxPerSecond:    policy.MaxReceivesPerSecond,
	}

	var lastErr error
	for {
		wait, ok := schedule.Next()
		if !ok {
			break
		}
		if wait > 0 {
			if err := p.wait(ctx, wait); err != nil {
				return p.cancel(ctx, &delivery, outcome, lastErr)
			}
		} else if ctx.Err() != nil {
			return p.cancel(ctx, &delivery, outcome, lastErr)
		}

		err := p.attempt(ctx, req)
		outcome.Attempts = schedule.Attempts()
		if err == nil {
			delivery.MarkDelivered(p.clock())
			p.saveDelivery(ctx, &delivery)
			p.metrics.DeliveryFinished(string(sub.Protocol), string(OutcomeDelivered), outcome.Attempts)
			p.logger.Debugf("Delivered message %s to %s (attempts=%d)", msg.MessageID, sub.Arn, outcome.Attempts)
			outcome.Status = OutcomeDelivered
			return outcome
		}

		lastErr = err
		if next, more := schedule.Peek(); more {
			delivery.MarkRetrying(err, p.clock(), next)
			p.saveDelivery(ctx, &delivery)
			p.logger.Debugf("Delivery of message %s to %s failed (attempt %d, retry in %v): %v",
				msg.MessageID, sub.Arn, outcome.Attempts, next, err)
		}
	}

	delivery.MarkFailed(lastErr, p.clock())
	p.saveDelivery(ctx, &delivery)
	p.metrics.DeliveryFinished(string(sub.Protocol), string(OutcomeFailed), outcome.Attempts)
	p.logger.Warnf("Delivery of message %s to %s exhausted after %d attempts: %v",
		msg.MessageID, sub.Arn, outcome.Attempts, lastErr)

	outcome.Status = OutcomeFailed
	outcome.Err = NewErrorWithCause(ErrCodeDeliveryExhausted,
		fmt.Sprintf("delivery policy exhausted after %d attempts", outcome.Attempts), lastErr)
	p.exhausted(ctx, delivery, body, outcome.Err)
	return outcome
}

// attempt performs one transport call. The call runs detached from ctx
// cancellation so an in-flight attempt completes; it is bounded by the attempt timeout.
func (p *Publisher) attempt(ctx context.Context, req DeliveryRequest) error {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.attemptTimeout)
	defer cancel()

	start := time.Now()
	err := p.transport.Deliver(attemptCtx, req)
	p.metrics.DeliveryAttempt(string(req.Protocol), err == nil, time.Since(start).Seconds())
	return err
}

func (p *Publisher) cancel(ctx context.Context, delivery *model.Delivery, outcome Outcome, lastErr error) Outcome {
	delivery.MarkCancelled(p.clock())
	p.saveDelivery(context.WithoutCancel(ctx), delivery)
	p.metrics.DeliveryFinished(string(outcome.Protocol), string(OutcomeCancelled), outcome.Attempts)
	outcome.Status = OutcomeCancelled
	outcome.Err = lastErr
	return outcome
}

// exhausted writes the dead letter and notifies. Failures here are logged only.
func (p *Publisher) exhausted(ctx context.Context, delivery model.Delivery, body string, cause error) {
	ctx = context.WithoutCancel(ctx)

	if err := p.notificationService.NotifyDeliveryFailure(ctx, delivery, cause); err != nil {
		p.logger.Warnf("Failed to send delivery failure notification: %v", err)
	}

	if p.dlqRepo == nil {
		return
	}
	dl := model.NewDeadLetterFromDelivery(delivery, body, "delivery policy exhausted", p.clock())
	saved, err := p.dlqRepo.Save(ctx, dl)
	if err != nil {
		p.logger.Errorf("Failed to dead-letter delivery of message %s to %s: %v",
			delivery.MessageID, delivery.SubscriptionArn, err)
		return
	}
	if err := p.notificationService.NotifyDeadLetter(ctx, saved); err != nil {
		p.logger.Warnf("Failed to send dead letter notification: %v", err)
	}
}

func (p *Publisher) saveDelivery(ctx context.Context, d *model.Delivery) {
	if p.deliveryRepo == nil {
		return
	}
	saved, err := p.deliveryRepo.Save(context.WithoutCancel(ctx), d)
	if err != nil {
		p.logger.Errorf("Failed to save delivery record (message=%s, subscription=%s): %v",
			d.MessageID, d.SubscriptionArn, err)
		return
	}
	if saved != nil {
		d.ID = saved.ID
	}
}

// policyFor returns the subscription's own policy, or the protocol default.
func (p *Publisher) policyFor(sub model.Subscription) retry.Policy {
	if !sub.DeliveryPolicy.IsEmpty() {
		return sub.DeliveryPolicy
	}
	return p.defaultPolicies[sub.Protocol]
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
