package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coregx/notify"
)

// Request headers set on every HTTP delivery.
const (
	HeaderMessageType     = "X-Cns-Message-Type"
	HeaderMessageID       = "X-Cns-Message-Id"
	HeaderTopicArn        = "X-Cns-Topic-Arn"
	HeaderSubscriptionArn = "X-Cns-Subscription-Arn"
	HeaderRawDelivery     = "X-Cns-Rawdelivery"
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint responded %d", e.StatusCode)
	}
	return fmt.Sprintf("endpoint responded %d: %s", e.StatusCode, e.Body)
}

// HTTP delivers to http and https endpoints with a POST of the encoded body.
//
// A delivery with MaxPerSecond > 0 waits for a per-subscription token bucket
// before the request is made. Buckets unused for limiterIdleTTL are dropped.
type HTTP struct {
	client    *http.Client
	userAgent string

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
	clock     func() time.Time
}

// limiterIdleTTL is far beyond the one second an idle bucket takes to refill,
// so a dropped bucket and a fresh one behave the same.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	perSec   int
	lastUsed time.Time
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTP) {
		if c != nil {
			t.client = c
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(t *HTTP) {
		t.userAgent = ua
	}
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts ...HTTPOption) *HTTP {
	t := &HTTP{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: "notify-agent",
		limiters:  make(map[string]*limiterEntry),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Deliver implements notify.Transport.
func (t *HTTP) Deliver(ctx context.Context, req notify.DeliveryRequest) error {
	if l := t.limiter(req.SubscriptionArn, req.MaxPerSecond); l != nil {
		if err := l.Wait(ctx); err != nil {
			return fmt.Errorf("throttle wait: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, strings.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "text/plain; charset=UTF-8")
	httpReq.Header.Set("User-Agent", t.userAgent)
	httpReq.Header.Set(HeaderMessageType, string(req.MessageType))
	httpReq.Header.Set(HeaderTopicArn, req.TopicArn)
	if req.MessageID != "" {
		httpReq.Header.Set(HeaderMessageID, req.MessageID)
	}
	if req.SubscriptionArn != "" {
		httpReq.Header.Set(HeaderSubscriptionArn, req.SubscriptionArn)
	}
	if req.Raw {
		httpReq.Header.Set(HeaderRawDelivery, "true")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// limiter returns the subscription's token bucket, rebuilt when the rate changes.
func (t *HTTP) limiter(subscriptionArn string, perSec int) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.sweepLocked(now)
	if perSec <= 0 {
		delete(t.limiters, subscriptionArn)
		return nil
	}

	e, ok := t.limiters[subscriptionArn]
	if !ok || e.perSec != perSec {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(perSec), perSec), perSec: perSec}
		t.limiters[subscriptionArn] = e
	}
	e.lastUsed = now
	return e.limiter
}

// sweepLocked drops idle buckets, at most once per limiterIdleTTL.
func (t *HTTP) sweepLocked(now time.Time) {
	if now.Sub(t.lastSweep) < limiterIdleTTL {
		return
	}
	t.lastSweep = now
	for arn, e := range t.limiters {
		if now.Sub(e.lastUsed) >= limiterIdleTTL {
			delete(t.limiters, arn)
		}
	}
}
