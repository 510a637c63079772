package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coregx/notify/model"
)

const (
	testTopicArn = "arn:cmb:cns:ccp:381515276957:orders"
	testAccount  = "381515276957"
)

// memSubscriptions is an in-memory SubscriptionRepository.
type memSubscriptions struct {
	mu    sync.Mutex
	subs  map[string]model.Subscription
	order []string
	saves int
}

func newMemSubscriptions(subs ...model.Subscription) *memSubscriptions {
	r := &memSubscriptions{subs: make(map[string]model.Subscription)}
	for _, s := range subs {
		_, _ = r.Save(context.Background(), s)
	}
	return r
}

func (r *memSubscriptions) Load(_ context.Context, arn string) (model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[arn]
	if !ok {
		return model.Subscription{}, ErrNoData
	}
	return s, nil
}

func (r *memSubscriptions) Save(_ context.Context, m model.Subscription) (model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[m.Arn]; !ok {
		r.order = append(r.order, m.Arn)
	}
	r.subs[m.Arn] = m
	r.saves++
	return m, nil
}

func (r *memSubscriptions) Delete(_ context.Context, arn string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[arn]; !ok {
		return ErrNoData
	}
	delete(r.subs, arn)
	for i, a := range r.order {
		if a == arn {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *memSubscriptions) ListConfirmed(_ context.Context, topicArn string) ([]model.Subscription, error) {
	return r.list(topicArn, true), nil
}

func (r *memSubscriptions) ListByTopic(_ context.Context, topicArn string) ([]model.Subscription, error) {
	return r.list(topicArn, false), nil
}

func (r *memSubscriptions) list(topicArn string, confirmedOnly bool) []model.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Subscription{}
	for _, arn := range r.order {
		s := r.subs[arn]
		if s.TopicArn == topicArn && (!confirmedOnly || s.IsConfirmed()) {
			out = append(out, s)
		}
	}
	return out
}

func (r *memSubscriptions) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// memDeliveries is an in-memory DeliveryRepository.
type memDeliveries struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]model.Delivery
}

func newMemDeliveries() *memDeliveries {
	return &memDeliveries{byID: make(map[int64]model.Delivery)}
}

func (r *memDeliveries) Save(_ context.Context, m *model.Delivery) (*model.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == 0 {
		r.nextID++
		m.ID = r.nextID
	}
	r.byID[m.ID] = *m
	return m, nil
}

func (r *memDeliveries) FindByMessageID(_ context.Context, messageID string) ([]model.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Delivery
	for _, d := range r.byID {
		if d.MessageID == messageID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

func (r *memDeliveries) FindBySubscription(_ context.Context, arn string, limit int) ([]model.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Delivery
	for _, d := range r.byID {
		if d.SubscriptionArn == arn {
			out = append(out, d)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memDeliveries) DeleteOlderThan(context.Context, time.Duration) (int, error) {
	return 0, nil
}

// memDeadLetters is an in-memory DLQRepository.
type memDeadLetters struct {
	mu     sync.Mutex
	nextID int64
	items  []model.DeadLetter
}

func (r *memDeadLetters) Load(_ context.Context, id int64) (model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.items {
		if d.ID == id {
			return d, nil
		}
	}
	return model.DeadLetter{}, ErrNoData
}

func (r *memDeadLetters) Save(_ context.Context, m model.DeadLetter) (model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == 0 {
		r.nextID++
		m.ID = r.nextID
		r.items = append(r.items, m)
		return m, nil
	}
	for i := range r.items {
		if r.items[i].ID == m.ID {
			r.items[i] = m
		}
	}
	return m, nil
}

func (r *memDeadLetters) Delete(_ context.Context, m model.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if r.items[i].ID == m.ID {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return nil
		}
	}
	return ErrNoData
}

func (r *memDeadLetters) FindBySubscription(_ context.Context, arn string, _ int) ([]model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.DeadLetter
	for _, d := range r.items {
		if d.SubscriptionArn == arn {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memDeadLetters) FindUnresolved(_ context.Context, _ int) ([]model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.DeadLetter
	for _, d := range r.items {
		if !d.IsResolved {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memDeadLetters) GetStats(context.Context) (model.DeadLetterStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.DeadLetterStats{TotalItems: len(r.items)}, nil
}

func (r *memDeadLetters) CountUnresolved(ctx context.Context) (int, error) {
	items, _ := r.FindUnresolved(ctx, 0)
	return len(items), nil
}

func (r *memDeadLetters) all() []model.DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.DeadLetter(nil), r.items...)
}

// memQueue is an in-memory DurableQueue driven by a settable clock.
type memQueue struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	msgs   map[string][]*model.QueueMessage
	failOn string
}

func newMemQueue(now time.Time) *memQueue {
	return &memQueue{now: now, msgs: make(map[string][]*model.QueueMessage)}
}

func (q *memQueue) advance(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = q.now.Add(d)
}

func (q *memQueue) Enqueue(_ context.Context, queue, body string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn != "" && q.failOn == queue {
		return "", fmt.Errorf("queue %s unavailable", queue)
	}
	q.seq++
	id := fmt.Sprintf("m-%d", q.seq)
	q.msgs[queue] = append(q.msgs[queue], &model.QueueMessage{
		MessageID: id, Queue: queue, Body: body, VisibleAt: q.now, EnqueuedAt: q.now,
	})
	return id, nil
}

func (q *memQueue) Receive(_ context.Context, queue string, max int, visibility time.Duration) ([]model.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.QueueMessage
	for _, m := range q.msgs[queue] {
		if len(out) == max {
			break
		}
		if !m.IsVisible(q.now) {
			continue
		}
		q.seq++
		m.Receipt = fmt.Sprintf("r-%d", q.seq)
		m.ReceiveCount++
		m.VisibleAt = q.now.Add(visibility)
		out = append(out, *m)
	}
	return out, nil
}

func (q *memQueue) Delete(_ context.Context, queue, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs[queue] {
		if m.Receipt == receipt {
			q.msgs[queue] = append(q.msgs[queue][:i], q.msgs[queue][i+1:]...)
			return nil
		}
	}
	return ErrNoData
}

func (q *memQueue) ChangeVisibility(_ context.Context, queue, receipt string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.msgs[queue] {
		if m.Receipt == receipt {
			m.VisibleAt = q.now.Add(delay)
			return nil
		}
	}
	return ErrNoData
}

func (q *memQueue) bodies(queue string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, m := range q.msgs[queue] {
		out = append(out, m.Body)
	}
	return out
}

func (q *memQueue) len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs[queue])
}

// recordingTransport records deliveries and fails per endpoint as configured.
type recordingTransport struct {
	mu       sync.Mutex
	requests []DeliveryRequest
	times    map[string][]time.Time
	fail     map[string]int // endpoint → remaining failures (-1 = always)
	clock    func() time.Time
	queue    DurableQueue
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		times: make(map[string][]time.Time),
		fail:  make(map[string]int),
		clock: time.Now,
	}
}

func (t *recordingTransport) failAlways(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail[endpoint] = -1
}

func (t *recordingTransport) failTimes(endpoint string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail[endpoint] = n
}

func (t *recordingTransport) Deliver(ctx context.Context, req DeliveryRequest) error {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.times[req.Endpoint] = append(t.times[req.Endpoint], t.clock())
	remaining, failing := t.fail[req.Endpoint]
	if failing && remaining > 0 {
		t.fail[req.Endpoint] = remaining - 1
	}
	t.mu.Unlock()

	if failing && remaining != 0 {
		return fmt.Errorf("endpoint %s unavailable", req.Endpoint)
	}
	if req.Protocol == model.ProtocolCQS && t.queue != nil {
		_, err := t.queue.Enqueue(ctx, req.Endpoint, req.Body)
		return err
	}
	return nil
}

func (t *recordingTransport) calls(endpoint string) []DeliveryRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []DeliveryRequest
	for _, r := range t.requests {
		if r.Endpoint == endpoint {
			out = append(out, r)
		}
	}
	return out
}

func (t *recordingTransport) attemptTimes(endpoint string) []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.times[endpoint]...)
}

// fakeClock is a manually advanced time source. Its waiter advances the
// clock instead of sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingLogger keeps formatted warnings for assertions.
type recordingLogger struct {
	NoopLogger
	mu       sync.Mutex
	warnings []string
}

func (l *recordingLogger) Warnf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) hasWarning(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

// newConfirmedSubscription builds a confirmed subscription of testTopicArn.
func newConfirmedSubscription(protocol model.Protocol, endpoint string) model.Subscription {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.NewUnconfirmedSubscription(endpoint, protocol, testTopicArn, testAccount, at).
		WithConfirmation(at.Add(time.Minute))
}
