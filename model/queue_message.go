package model

import (
	"time"
)

// QueueMessage is a message stored in a durable queue.
//
// A received message is invisible until VisibleAt; if it is not deleted by
// receipt handle before then it becomes receivable again. Each receive issues
// a new receipt handle and increments ReceiveCount.
type QueueMessage struct {
	ID           int64     `json:"-" db:"id"`
	MessageID    string    `json:"messageId" db:"message_id"`
	Queue        string    `json:"queue" db:"queue"`
	Body         string    `json:"body" db:"body"`
	Receipt      string    `json:"receiptHandle,omitempty" db:"receipt"`
	ReceiveCount int       `json:"receiveCount" db:"receive_count"`
	VisibleAt    time.Time `json:"visibleAt" db:"visible_at"`
	EnqueuedAt   time.Time `json:"enqueuedAt" db:"enqueued_at"`
}

// TableName returns the database table name for QueueMessage.
func (m QueueMessage) TableName() string {
	return tablePrefix + "queue_message"
}

// IsVisible reports whether the message can be received at the given time.
func (m QueueMessage) IsVisible(at time.Time) bool {
	return !at.Before(m.VisibleAt)
}
