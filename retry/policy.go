package retry

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// BackoffFunction controls how the delay grows between retries of one stage.
type BackoffFunction string

const (
	// BackoffConstant keeps the stage delay fixed.
	BackoffConstant BackoffFunction = "constant"

	// BackoffLinear grows the delay as Delay * (1 + Rate*n).
	BackoffLinear BackoffFunction = "linear"

	// BackoffExponential grows the delay as Delay * Rate^n.
	BackoffExponential BackoffFunction = "exponential"
)

// Stage is one phase of a delivery policy.
//
// NumRetries is the number of delivery attempts the stage contributes. The initial
// delivery attempt occupies the first slot of the first stage.
type Stage struct {
	NumRetries int             // Attempts contributed by this stage
	Delay      time.Duration   // Base spacing between attempts
	MaxDelay   time.Duration   // Cap for grown delays (0 = uncapped)
	Backoff    BackoffFunction // Growth function (empty = constant)
	Rate       float64         // Growth rate (0 = 1 for linear, 2 for exponential)
}

type stageJSON struct {
	NumRetries int             `json:"numRetries"`
	DelayMs    int64           `json:"delayMs"`
	MaxDelayMs int64           `json:"maxDelayMs,omitempty"`
	Backoff    BackoffFunction `json:"backoffFunction,omitempty"`
	Rate       float64         `json:"rate,omitempty"`
}

// MarshalJSON encodes delays as milliseconds.
func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(stageJSON{
		NumRetries: s.NumRetries,
		DelayMs:    s.Delay.Milliseconds(),
		MaxDelayMs: s.MaxDelay.Milliseconds(),
		Backoff:    s.Backoff,
		Rate:       s.Rate,
	})
}

// UnmarshalJSON decodes delays given in milliseconds.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var raw stageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Stage{
		NumRetries: raw.NumRetries,
		Delay:      time.Duration(raw.DelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(raw.MaxDelayMs) * time.Millisecond,
		Backoff:    raw.Backoff,
		Rate:       raw.Rate,
	}
	return nil
}

// Validate checks the stage parameters.
func (s Stage) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.NumRetries, validation.Min(0)),
		validation.Field(&s.Delay, validation.Min(time.Duration(0))),
		validation.Field(&s.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&s.Backoff, validation.In(BackoffConstant, BackoffLinear, BackoffExponential)),
		validation.Field(&s.Rate, validation.Min(0.0)),
	)
}

// DelayFor returns the wait before the n-th retry (0-based) inside this stage.
func (s Stage) DelayFor(n int) time.Duration {
	if n < 0 {
		n = 0
	}

	var delay float64
	switch s.Backoff {
	case BackoffLinear:
		rate := s.Rate
		if rate == 0 {
			rate = 1
		}
		delay = float64(s.Delay) * (1 + rate*float64(n))
	case BackoffExponential:
		rate := s.Rate
		if rate == 0 {
			rate = 2
		}
		delay = float64(s.Delay) * math.Pow(rate, float64(n))
	default:
		delay = float64(s.Delay)
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Policy is a subscription's delivery policy: an ordered list of retry stages and an
// optional delivery throttle. Policies are replaced wholesale, never edited in place.
type Policy struct {
	Stages               []Stage `json:"stages"`
	MaxReceivesPerSecond int     `json:"maxReceivesPerSecond,omitempty"`
}

// NewPolicy builds a policy from stages.
func NewPolicy(stages ...Stage) Policy {
	return Policy{Stages: append([]Stage(nil), stages...)}
}

// IsEmpty reports whether the policy has no stages and no throttle.
func (p Policy) IsEmpty() bool {
	return len(p.Stages) == 0 && p.MaxReceivesPerSecond == 0
}

// Validate checks every stage and the throttle.
func (p Policy) Validate() error {
	for i, stage := range p.Stages {
		if err := stage.Validate(); err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
	}
	if p.MaxReceivesPerSecond < 0 {
		return fmt.Errorf("maxReceivesPerSecond must be >= 0, got %d", p.MaxReceivesPerSecond)
	}
	return nil
}

// TotalAttempts returns the number of delivery attempts the policy allows.
// A policy without stages allows exactly one attempt.
func (p Policy) TotalAttempts() int {
	total := 0
	for _, stage := range p.Stages {
		if stage.NumRetries > 0 {
			total += stage.NumRetries
		}
	}
	if total < 1 {
		return 1
	}
	return total
}

// Delays returns the wait before every attempt; the first entry is always zero.
func (p Policy) Delays() []time.Duration {
	delays := make([]time.Duration, 0, p.TotalAttempts())
	s := p.Schedule()
	for {
		d, ok := s.Next()
		if !ok {
			return delays
		}
		delays = append(delays, d)
	}
}

// Describe renders the attempt schedule for logs and API output.
func (p Policy) Describe() string {
	var b strings.Builder
	b.WriteString("Delivery Schedule:\n")
	for i, d := range p.Delays() {
		if i == 0 {
			b.WriteString("  Attempt 1: immediate\n")
			continue
		}
		fmt.Fprintf(&b, "  Attempt %d: after %v\n", i+1, d)
	}
	b.WriteString("  → Failed\n")
	return b.String()
}

// Equal reports whether two policies are identical.
func (p Policy) Equal(o Policy) bool {
	if p.MaxReceivesPerSecond != o.MaxReceivesPerSecond || len(p.Stages) != len(o.Stages) {
		return false
	}
	for i := range p.Stages {
		if p.Stages[i] != o.Stages[i] {
			return false
		}
	}
	return true
}

// Value stores the policy as JSON text; an empty policy is stored as NULL.
func (p Policy) Value() (driver.Value, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan loads a policy stored by Value.
func (p *Policy) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = Policy{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into retry.Policy", src)
	}
	if len(data) == 0 {
		*p = Policy{}
		return nil
	}
	var decoded Policy
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("failed to decode delivery policy: %w", err)
	}
	*p = decoded
	return nil
}

// Schedule walks a policy's attempt slots. It is not safe for concurrent use; each
// (message, subscription) delivery owns its own Schedule.
type Schedule struct {
	policy   Policy
	total    int
	attempts int
}

// Schedule starts a new attempt schedule for the policy.
func (p Policy) Schedule() *Schedule {
	return &Schedule{policy: p, total: p.TotalAttempts()}
}

// Next reserves the next attempt and returns how long to wait before making it.
// It returns false once every attempt slot has been used.
func (s *Schedule) Next() (time.Duration, bool) {
	if s.attempts >= s.total {
		return 0, false
	}
	n := s.attempts
	s.attempts++
	if n == 0 {
		return 0, true
	}

	stage, retry := s.slot(n)
	return stage.DelayFor(retry), true
}

// Peek returns the wait before the next attempt without reserving it.
func (s *Schedule) Peek() (time.Duration, bool) {
	if s.attempts >= s.total {
		return 0, false
	}
	if s.attempts == 0 {
		return 0, true
	}
	stage, retry := s.slot(s.attempts)
	return stage.DelayFor(retry), true
}

// Attempts returns the number of attempts reserved so far.
func (s *Schedule) Attempts() int {
	return s.attempts
}

// Remaining returns the number of attempts still available.
func (s *Schedule) Remaining() int {
	return s.total - s.attempts
}

// slot maps a 1-based retry slot to its stage and the retry index inside that stage.
func (s *Schedule) slot(n int) (Stage, int) {
	start := 0
	var last Stage
	for _, stage := range s.policy.Stages {
		if stage.NumRetries <= 0 {
			continue
		}
		last = stage
		end := start + stage.NumRetries
		if n < end {
			index := n - start
			if start == 0 {
				// slot 0 of the first stage is the initial attempt
				index--
			}
			return stage, index
		}
		start = end
	}
	return last, 0
}
