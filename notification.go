package notify

import (
	"context"

	"github.com/coregx/notify/model"
)

// NotificationService defines an optional interface for sending notifications
// about operational events (exhausted deliveries, dead letters, subscription changes).
//
// Implementations might send emails, Slack messages, or page an operator.
type NotificationService interface {
	// NotifyDeadLetter is called when a delivery or queue message is dead-lettered.
	NotifyDeadLetter(ctx context.Context, dl model.DeadLetter) error

	// NotifyDeliveryFailure is called when a delivery exhausts its policy.
	NotifyDeliveryFailure(ctx context.Context, delivery model.Delivery, err error) error

	// NotifySubscriptionCreated is called when a new subscription is created.
	NotifySubscriptionCreated(ctx context.Context, subscription model.Subscription) error

	// NotifySubscriptionDeleted is called when a subscription is removed.
	NotifySubscriptionDeleted(ctx context.Context, subscription model.Subscription) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
type NoOpNotificationService struct{}

// NotifyDeadLetter does nothing.
func (n *NoOpNotificationService) NotifyDeadLetter(_ context.Context, _ model.DeadLetter) error {
	return nil
}

// NotifyDeliveryFailure does nothing.
func (n *NoOpNotificationService) NotifyDeliveryFailure(_ context.Context, _ model.Delivery, _ error) error {
	return nil
}

// NotifySubscriptionCreated does nothing.
func (n *NoOpNotificationService) NotifySubscriptionCreated(_ context.Context, _ model.Subscription) error {
	return nil
}

// NotifySubscriptionDeleted does nothing.
func (n *NoOpNotificationService) NotifySubscriptionDeleted(_ context.Context, _ model.Subscription) error {
	return nil
}

// LoggingNotificationService logs every notification.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeadLetter logs the dead letter.
func (n *LoggingNotificationService) NotifyDeadLetter(_ context.Context, dl model.DeadLetter) error {
	n.logger.Warnf("Dead-lettered: source=%s, message_id=%s, subscription=%s, attempts=%d, reason=%s",
		dl.Source, dl.MessageID, dl.SubscriptionArn, dl.AttemptCount, dl.FailureReason)
	return nil
}

// NotifyDeliveryFailure logs the exhausted delivery.
func (n *LoggingNotificationService) NotifyDeliveryFailure(_ context.Context, d model.Delivery, err error) error {
	n.logger.Warnf("Delivery failed: message_id=%s, subscription=%s, attempts=%d, error=%v",
		d.MessageID, d.SubscriptionArn, d.AttemptCount, err)
	return nil
}

// NotifySubscriptionCreated logs subscription creation.
func (n *LoggingNotificationService) NotifySubscriptionCreated(_ context.Context, s model.Subscription) error {
	n.logger.Infof("Subscription created: arn=%s, protocol=%s, owner=%s", s.Arn, s.Protocol, s.UserID)
	return nil
}

// NotifySubscriptionDeleted logs subscription removal.
func (n *LoggingNotificationService) NotifySubscriptionDeleted(_ context.Context, s model.Subscription) error {
	n.logger.Infof("Subscription deleted: arn=%s", s.Arn)
	return nil
}
