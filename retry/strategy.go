// Package retry schedules repeated delivery attempts.
//
// Policy describes how a fan-out delivery to one subscription is retried: an ordered list
// of stages with constant, linear, or exponential backoff. Strategy describes how a durable
// queue message whose processing failed is made visible again, and when it is given up on
// and moved to the dead-letter store.
package retry

import (
	"fmt"
	"math"
	"time"
)

// Strategy controls redelivery of durable queue messages.
//
// The redelivery delay follows: delay = min(BaseDelay * ExponentialBase^(receives-1), MaxDelay)
//
// Example with defaults (30s base, 2.0 exponential, 15m max):
//
//	Receive 1: 30s
//	Receive 2: 1m
//	Receive 3: 2m
//	Receive 4: 4m
//	Receive 5: 8m (→ dead letter)
type Strategy struct {
	MaxReceives     int           // Hard limit of receives per message
	BaseDelay       time.Duration // Redelivery delay after the first failed receive
	MaxDelay        time.Duration // Redelivery delay cap
	ExponentialBase float64       // Backoff multiplier (e.g., 2.0 for doubling)
	DLQThreshold    int           // Dead-letter the message after this many failed receives
}

// DefaultStrategy returns the default redelivery strategy:
// 10 max receives, 30s→15m exponential backoff, dead letter after 5 failed receives.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxReceives:     10,
		BaseDelay:       30 * time.Second,
		MaxDelay:        15 * time.Minute,
		ExponentialBase: 2.0,
		DLQThreshold:    5,
	}
}

// RedeliveryDelay returns how long a message stays invisible after its n-th failed receive.
func (s Strategy) RedeliveryDelay(receiveCount int) time.Duration {
	if receiveCount <= 1 {
		return s.capped(float64(s.BaseDelay))
	}

	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(receiveCount-1))
	return s.capped(delay)
}

func (s Strategy) capped(delay float64) time.Duration {
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldDeadLetter reports whether a message received receiveCount times must be moved
// to the dead-letter store instead of being made visible again.
func (s Strategy) ShouldDeadLetter(receiveCount int) bool {
	return receiveCount >= s.DLQThreshold || receiveCount >= s.MaxReceives
}

// CanRedeliver reports whether another receive is allowed.
func (s Strategy) CanRedeliver(receiveCount int) bool {
	return receiveCount < s.MaxReceives
}

// Describe renders the redelivery schedule.
//
// Example output:
//
//	Redelivery Schedule:
//	  Receive 1: visible again after 30s
//	  ...
//	  Receive 5: visible again after 8m0s
//	  → Dead letter
func (s Strategy) Describe() string {
	schedule := "Redelivery Schedule:\n"
	for i := 1; i <= s.MaxReceives; i++ {
		schedule += fmt.Sprintf("  Receive %d: visible again after %v\n", i, s.RedeliveryDelay(i))
		if i == s.DLQThreshold {
			schedule += "  → Dead letter\n"
			break
		}
	}
	return schedule
}
