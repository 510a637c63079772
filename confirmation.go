package notify

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/notify/model"
)

// Confirmer runs the confirmation handshake: Unconfirmed → Confirmed with the
// token issued at subscribe time, while the token is not expired.
//
// Confirmer is the only writer of the confirmation fields. Calls for the same
// subscription ARN are serialized, so concurrent confirms apply the
// confirmation date at most once and never race on the token comparison.
type Confirmer struct {
	subscriptionRepo SubscriptionRepository
	window           time.Duration
	clock            func() time.Time
	logger           Logger
	metrics          Metrics
	locks            *arnLocks
}

// ConfirmerOption configures a Confirmer.
type ConfirmerOption func(*Confirmer) error

// NewConfirmer creates a Confirmer.
//
// Required options:
//   - WithConfirmerRepository: subscription repository
//
// Optional options:
//   - WithConfirmationWindow: token lifetime (default: 3 days)
//   - WithConfirmerClock: time source (default: time.Now)
//   - WithConfirmerLogger: logger (default: NoopLogger)
func NewConfirmer(opts ...ConfirmerOption) (*Confirmer, error) {
	c := &Confirmer{
		window:  model.DefaultConfirmationWindow,
		clock:   time.Now,
		logger:  &NoopLogger{},
		metrics: NoopMetrics{},
		locks:   newArnLocks(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply confirmer option", err)
		}
	}

	if c.subscriptionRepo == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionRepository is required (use WithConfirmerRepository)")
	}

	return c, nil
}

// WithConfirmerRepository sets the subscription repository.
func WithConfirmerRepository(repo SubscriptionRepository) ConfirmerOption {
	return func(c *Confirmer) error {
		if repo == nil {
			return fmt.Errorf("subscriptionRepo cannot be nil")
		}
		c.subscriptionRepo = repo
		return nil
	}
}

// WithConfirmationWindow sets how long a confirmation token stays valid.
func WithConfirmationWindow(window time.Duration) ConfirmerOption {
	return func(c *Confirmer) error {
		if window <= 0 {
			return fmt.Errorf("confirmation window must be > 0, got %v", window)
		}
		c.window = window
		return nil
	}
}

// WithConfirmerClock sets the time source.
func WithConfirmerClock(clock func() time.Time) ConfirmerOption {
	return func(c *Confirmer) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		c.clock = clock
		return nil
	}
}

// WithConfirmerLogger sets the logger.
func WithConfirmerLogger(logger Logger) ConfirmerOption {
	return func(c *Confirmer) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithConfirmerMetrics sets the metrics sink.
func WithConfirmerMetrics(m Metrics) ConfirmerOption {
	return func(c *Confirmer) error {
		if m == nil {
			return fmt.Errorf("metrics cannot be nil")
		}
		c.metrics = m
		return nil
	}
}

// Window returns the configured token lifetime.
func (c *Confirmer) Window() time.Duration {
	return c.window
}

// Confirm confirms a subscription with its token.
//
// Outcomes:
//   - unknown ARN, empty or wrong token: AUTHORIZATION_ERROR, nothing changes
//   - already confirmed with the right token: success, ConfirmDate unchanged
//   - token expired: EXPIRED_TOKEN, the subscription stays unconfirmed and must be
//     deleted and re-created
//   - otherwise: Confirmed=true, ConfirmDate=now, saved
func (c *Confirmer) Confirm(ctx context.Context, subscriptionArn, token string) (model.Subscription, error) {
	// an empty token would match a subscription stored without one
	if token == "" {
		c.logger.Warnf("Confirmation rejected, empty token: arn=%s", subscriptionArn)
		return model.Subscription{}, ErrNotAuthorized
	}

	var confirmed model.Subscription
	err := c.locks.with(subscriptionArn, func() error {
		sub, err := c.subscriptionRepo.Load(ctx, subscriptionArn)
		if err != nil {
			if IsNoData(err) {
				return ErrNotAuthorized
			}
			return NewErrorWithCause(ErrCodeDatabase, "failed to load subscription", err)
		}

		if subtle.ConstantTimeCompare([]byte(sub.Token), []byte(token)) != 1 {
			c.logger.Warnf("Confirmation rejected: arn=%s", subscriptionArn)
			return ErrNotAuthorized
		}

		if sub.IsConfirmed() {
			c.logger.Debugf("Subscription already confirmed: arn=%s", subscriptionArn)
			confirmed = sub
			return nil
		}

		now := c.clock()
		if sub.IsTokenExpired(now, c.window) {
			return NewError(ErrCodeExpiredToken,
				fmt.Sprintf("confirmation token expired at %s", sub.RequestDate.Add(c.window).UTC().Format(time.RFC3339)))
		}

		saved, err := c.subscriptionRepo.Save(ctx, sub.WithConfirmation(now))
		if err != nil {
			return NewErrorWithCause(ErrCodeDatabase, "failed to save subscription", err)
		}
		confirmed = saved
		c.metrics.SubscriptionEvent("confirmed")
		c.logger.Infof("Subscription confirmed: arn=%s", subscriptionArn)
		return nil
	})
	if err != nil {
		return model.Subscription{}, err
	}
	return confirmed, nil
}

// arnLocks is a set of mutexes keyed by subscription ARN. Entries are removed
// when no goroutine holds or waits for them.
type arnLocks struct {
	mu    sync.Mutex
	locks map[string]*arnLock
}

type arnLock struct {
	mu   sync.Mutex
	refs int
}

func newArnLocks() *arnLocks {
	return &arnLocks{locks: make(map[string]*arnLock)}
}

func (l *arnLocks) with(arn string, fn func() error) error {
	l.mu.Lock()
	lock, ok := l.locks[arn]
	if !ok {
		lock = &arnLock{}
		l.locks[arn] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, arn)
		}
		l.mu.Unlock()
	}()

	return fn()
}
