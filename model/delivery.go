package model

import (
	"database/sql"
	"time"
)

// DeliveryStatus represents the lifecycle state of one (message, subscription) delivery.
type DeliveryStatus string

const (
	// DeliveryStatusPending indicates the first attempt has not finished yet.
	DeliveryStatusPending DeliveryStatus = "pending"

	// DeliveryStatusRetrying indicates an attempt failed and another one is scheduled.
	DeliveryStatusRetrying DeliveryStatus = "retrying"

	// DeliveryStatusDelivered indicates an attempt succeeded.
	DeliveryStatusDelivered DeliveryStatus = "delivered"

	// DeliveryStatusFailed indicates every attempt of the delivery policy failed.
	DeliveryStatusFailed DeliveryStatus = "failed"

	// DeliveryStatusCancelled indicates the publish was cancelled before a retry was made.
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// IsTerminal reports whether no further attempt follows the status.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusFailed || s == DeliveryStatusCancelled
}

// Delivery records the progress of delivering one message to one subscription.
//
// Delivery records follow this lifecycle:
//  1. Created with status=PENDING
//  2. Attempt fails and a retry is scheduled → RETRYING
//  3. Attempt succeeds → DELIVERED, whatever the number of retries before
//  4. Policy exhausted → FAILED (and a dead letter is written)
//  5. Publish cancelled while waiting for a retry → CANCELLED
type Delivery struct {
	ID              int64          `json:"id" db:"id"`
	MessageID       string         `json:"messageId" db:"message_id"`
	SubscriptionArn string         `json:"subscriptionArn" db:"subscription_arn"`
	TopicArn        string         `json:"topicArn" db:"topic_arn"`
	Protocol        Protocol       `json:"protocol" db:"protocol"`
	Endpoint        string         `json:"endpoint" db:"endpoint"`
	Status          DeliveryStatus `json:"status" db:"status"`
	AttemptCount    int            `json:"attemptCount" db:"attempt_count"`
	MaxAttempts     int            `json:"maxAttempts" db:"max_attempts"`
	LastAttemptAt   sql.NullTime   `json:"lastAttemptAt" db:"last_attempt_at"`
	NextRetryAt     sql.NullTime   `json:"nextRetryAt" db:"next_retry_at"`
	LastError       sql.NullString `json:"lastError" db:"last_error"`
	CompletedAt     sql.NullTime   `json:"completedAt" db:"completed_at"`
	CreatedAt       time.Time      `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for Delivery.
func (d *Delivery) TableName() string {
	return tablePrefix + "delivery"
}

// NewDelivery creates a pending delivery record for a subscription.
func NewDelivery(messageID string, sub Subscription, maxAttempts int, now time.Time) Delivery {
	return Delivery{
		MessageID:       messageID,
		SubscriptionArn: sub.Arn,
		TopicArn:        sub.TopicArn,
		Protocol:        sub.Protocol,
		Endpoint:        sub.Endpoint,
		Status:          DeliveryStatusPending,
		MaxAttempts:     maxAttempts,
		CreatedAt:       now,
	}
}

// MarkRetrying records a failed attempt and the time of the next one.
func (d *Delivery) MarkRetrying(err error, at time.Time, retryAfter time.Duration) {
	d.Status = DeliveryStatusRetrying
	d.recordAttempt(err, at)
	d.NextRetryAt = sql.NullTime{Time: at.Add(retryAfter), Valid: true}
}

// MarkDelivered records the successful attempt.
func (d *Delivery) MarkDelivered(at time.Time) {
	d.Status = DeliveryStatusDelivered
	d.recordAttempt(nil, at)
	d.LastError = sql.NullString{}
	d.complete(at)
}

// MarkFailed records the last failed attempt of an exhausted policy.
func (d *Delivery) MarkFailed(err error, at time.Time) {
	d.Status = DeliveryStatusFailed
	d.recordAttempt(err, at)
	d.complete(at)
}

// MarkCancelled stops the delivery without another attempt.
func (d *Delivery) MarkCancelled(at time.Time) {
	d.Status = DeliveryStatusCancelled
	d.complete(at)
}

func (d *Delivery) recordAttempt(err error, at time.Time) {
	d.AttemptCount++
	d.LastAttemptAt = sql.NullTime{Time: at, Valid: true}
	if err != nil {
		d.LastError = sql.NullString{String: err.Error(), Valid: true}
	}
}

func (d *Delivery) complete(at time.Time) {
	d.NextRetryAt = sql.NullTime{}
	d.CompletedAt = sql.NullTime{Time: at, Valid: true}
}

// CanAttemptDelivery validates whether another attempt is allowed at the given time.
//
// Returns error if delivery cannot be attempted:
//   - ErrDeliveryFinished: Delivery reached a terminal status
//   - ErrMaxAttemptsExceeded: Exceeded the policy's attempts
//   - ErrNotReadyForRetry: Too soon for retry
func (d *Delivery) CanAttemptDelivery(at time.Time) error {
	if d.Status.IsTerminal() {
		return ErrDeliveryFinished
	}
	if d.MaxAttempts > 0 && d.AttemptCount >= d.MaxAttempts {
		return ErrMaxAttemptsExceeded
	}
	if d.Status == DeliveryStatusRetrying && d.NextRetryAt.Valid && at.Before(d.NextRetryAt.Time) {
		return ErrNotReadyForRetry
	}
	return nil
}

// GetTimeUntilRetry returns the wait until the next attempt at the given time.
func (d *Delivery) GetTimeUntilRetry(at time.Time) (time.Duration, error) {
	if !d.NextRetryAt.Valid {
		return 0, ErrNoRetryScheduled
	}
	wait := d.NextRetryAt.Time.Sub(at)
	if wait < 0 {
		return 0, nil
	}
	return wait, nil
}

// GetAge returns how long the delivery has existed since creation.
func (d *Delivery) GetAge() time.Duration {
	return time.Since(d.CreatedAt)
}

// Domain errors returned by Delivery business logic methods.
var (
	// ErrDeliveryFinished indicates the delivery already reached a terminal status.
	ErrDeliveryFinished = DomainError{Code: "FINISHED", Message: "Delivery already finished"}

	// ErrMaxAttemptsExceeded indicates the delivery used every attempt of its policy.
	ErrMaxAttemptsExceeded = DomainError{Code: "MAX_ATTEMPTS", Message: "Maximum delivery attempts exceeded"}

	// ErrNotReadyForRetry indicates the retry delay hasn't elapsed yet.
	ErrNotReadyForRetry = DomainError{Code: "NOT_READY", Message: "Not ready for retry yet"}

	// ErrNoRetryScheduled indicates no retry time has been set.
	ErrNoRetryScheduled = DomainError{Code: "NO_RETRY", Message: "No retry scheduled"}
)

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}
