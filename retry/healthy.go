package retry

import (
	"fmt"
	"time"
)

// HealthyRetryPolicy is the SNS-style HTTP retry description accepted by the
// subscription attribute API. Delays are in seconds.
type HealthyRetryPolicy struct {
	MinDelayTarget     int    `json:"minDelayTarget"`
	MaxDelayTarget     int    `json:"maxDelayTarget"`
	NumRetries         int    `json:"numRetries"`
	NumMaxDelayRetries int    `json:"numMaxDelayRetries"`
	NumNoDelayRetries  int    `json:"numNoDelayRetries"`
	NumMinDelayRetries int    `json:"numMinDelayRetries"`
	BackoffFunction    string `json:"backoffFunction"`
}

// DefaultHealthyRetryPolicy mirrors the SNS defaults for HTTP endpoints:
// three retries twenty seconds apart.
func DefaultHealthyRetryPolicy() HealthyRetryPolicy {
	return HealthyRetryPolicy{
		MinDelayTarget:  20,
		MaxDelayTarget:  20,
		NumRetries:      3,
		BackoffFunction: "linear",
	}
}

// DefaultHTTPPolicy returns the stage policy for DefaultHealthyRetryPolicy.
func DefaultHTTPPolicy() Policy {
	p, _ := FromHealthyRetryPolicy(DefaultHealthyRetryPolicy())
	return p
}

// FromHealthyRetryPolicy converts the phase description into stages:
// initial attempt, immediate retries, pre-backoff retries at the minimum delay,
// backoff retries growing toward the maximum delay, post-backoff retries at the maximum.
func FromHealthyRetryPolicy(h HealthyRetryPolicy) (Policy, error) {
	if h.MinDelayTarget < 0 || h.MaxDelayTarget < h.MinDelayTarget {
		return Policy{}, fmt.Errorf("invalid delay targets: min=%d max=%d", h.MinDelayTarget, h.MaxDelayTarget)
	}
	if h.NumRetries < 0 || h.NumNoDelayRetries < 0 || h.NumMinDelayRetries < 0 || h.NumMaxDelayRetries < 0 {
		return Policy{}, fmt.Errorf("retry counts must be >= 0")
	}

	backoffRetries := h.NumRetries - h.NumNoDelayRetries - h.NumMinDelayRetries - h.NumMaxDelayRetries
	if backoffRetries < 0 {
		return Policy{}, fmt.Errorf("numRetries (%d) is smaller than the sum of phase retries", h.NumRetries)
	}

	var backoff BackoffFunction
	switch h.BackoffFunction {
	case "", "linear", "arithmetic":
		backoff = BackoffLinear
	case "geometric", "exponential":
		backoff = BackoffExponential
	default:
		return Policy{}, fmt.Errorf("unknown backoff function: %q", h.BackoffFunction)
	}

	minDelay := time.Duration(h.MinDelayTarget) * time.Second
	maxDelay := time.Duration(h.MaxDelayTarget) * time.Second

	stages := []Stage{{NumRetries: 1, Backoff: BackoffConstant}}
	if h.NumNoDelayRetries > 0 {
		stages = append(stages, Stage{NumRetries: h.NumNoDelayRetries, Backoff: BackoffConstant})
	}
	if h.NumMinDelayRetries > 0 {
		stages = append(stages, Stage{NumRetries: h.NumMinDelayRetries, Delay: minDelay, Backoff: BackoffConstant})
	}
	if backoffRetries > 0 {
		stages = append(stages, Stage{
			NumRetries: backoffRetries,
			Delay:      minDelay,
			MaxDelay:   maxDelay,
			Backoff:    backoff,
		})
	}
	if h.NumMaxDelayRetries > 0 {
		stages = append(stages, Stage{NumRetries: h.NumMaxDelayRetries, Delay: maxDelay, Backoff: BackoffConstant})
	}

	return Policy{Stages: stages}, nil
}
