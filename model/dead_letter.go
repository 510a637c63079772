package model

import (
	"time"
)

// DeadLetterSource tells where a dead letter came from.
type DeadLetterSource string

const (
	// DeadLetterSourceFanOut marks a fan-out delivery whose policy was exhausted.
	DeadLetterSourceFanOut DeadLetterSource = "fanout"

	// DeadLetterSourceQueue marks a durable queue message that kept failing processing.
	DeadLetterSourceQueue DeadLetterSource = "queue"
)

// DeadLetter is a permanently failed delivery or queue message kept for operators.
//
// The dead-letter store serves as:
//   - Failure audit log with full diagnostic information
//   - Manual intervention queue for operations teams
//
// Items remain until manually resolved or deleted.
type DeadLetter struct {
	ID              int64            `json:"id" db:"id"`
	Source          DeadLetterSource `json:"source" db:"source"`
	MessageID       string           `json:"messageId" db:"message_id"`
	SubscriptionArn string           `json:"subscriptionArn" db:"subscription_arn"`
	TopicArn        string           `json:"topicArn" db:"topic_arn"`
	Endpoint        string           `json:"endpoint" db:"endpoint"`

	// Failure information
	AttemptCount  int    `json:"attemptCount" db:"attempt_count"`
	LastError     string `json:"lastError" db:"last_error"`
	FailureReason string `json:"failureReason" db:"failure_reason"`

	// Denormalized body as it was (or would have been) delivered
	Body string `json:"body" db:"body"`

	FirstAttemptAt time.Time `json:"firstAttemptAt" db:"first_attempt_at"`
	LastAttemptAt  time.Time `json:"lastAttemptAt" db:"last_attempt_at"`

	// Lifecycle
	IsResolved     bool       `json:"isResolved" db:"is_resolved"`
	ResolvedAt     *time.Time `json:"resolvedAt" db:"resolved_at"`
	ResolvedBy     string     `json:"resolvedBy" db:"resolved_by"`
	ResolutionNote string     `json:"resolutionNote" db:"resolution_note"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for DeadLetter.
func (d DeadLetter) TableName() string {
	return tablePrefix + "dead_letter"
}

// NewDeadLetterFromDelivery creates a dead letter for an exhausted delivery.
func NewDeadLetterFromDelivery(d Delivery, body, reason string, now time.Time) DeadLetter {
	first := d.CreatedAt
	last := now
	if d.LastAttemptAt.Valid {
		last = d.LastAttemptAt.Time
	}
	return DeadLetter{
		Source:          DeadLetterSourceFanOut,
		MessageID:       d.MessageID,
		SubscriptionArn: d.SubscriptionArn,
		TopicArn:        d.TopicArn,
		Endpoint:        d.Endpoint,
		AttemptCount:    d.AttemptCount,
		LastError:       d.LastError.String,
		FailureReason:   reason,
		Body:            body,
		FirstAttemptAt:  first,
		LastAttemptAt:   last,
		CreatedAt:       now,
	}
}

// NewDeadLetterFromQueue creates a dead letter for a poison queue message.
func NewDeadLetterFromQueue(m QueueMessage, lastError, reason string, now time.Time) DeadLetter {
	return DeadLetter{
		Source:         DeadLetterSourceQueue,
		MessageID:      m.MessageID,
		Endpoint:       m.Queue,
		AttemptCount:   m.ReceiveCount,
		LastError:      lastError,
		FailureReason:  reason,
		Body:           m.Body,
		FirstAttemptAt: m.EnqueuedAt,
		LastAttemptAt:  now,
		CreatedAt:      now,
	}
}

// Resolve marks the dead letter as handled by an operator.
//
// Parameters:
//   - resolvedBy: Username/system that resolved the item
//   - note: Explanation of the resolution action taken
func (d *DeadLetter) Resolve(resolvedBy, note string, at time.Time) {
	d.IsResolved = true
	d.ResolvedAt = &at
	d.ResolvedBy = resolvedBy
	d.ResolutionNote = note
}

// GetAge returns how long the item has been dead-lettered.
func (d *DeadLetter) GetAge() time.Duration {
	return time.Since(d.CreatedAt)
}

// IsOld checks if the item has been dead-lettered longer than the threshold.
func (d *DeadLetter) IsOld(threshold time.Duration) bool {
	return d.GetAge() > threshold
}

// DeadLetterStats are aggregate statistics of the dead-letter store.
type DeadLetterStats struct {
	TotalItems       int       `json:"totalItems"`
	UnresolvedItems  int       `json:"unresolvedItems"`
	ResolvedItems    int       `json:"resolvedItems"`
	OldestItemAge    int64     `json:"oldestItemAge"` // Seconds
	TopFailureReason string    `json:"topFailureReason"`
	LastUpdated      time.Time `json:"lastUpdated"`
}
