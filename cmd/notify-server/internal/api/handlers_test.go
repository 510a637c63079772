package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/notify"
	"github.com/coregx/notify/adapters/relica"
	"github.com/coregx/notify/envelope"
	"github.com/coregx/notify/metrics"
	"github.com/coregx/notify/model"
	"github.com/coregx/notify/retry"
)

const (
	testTopicArn = "arn:cmb:cns:ccp:381515276957:orders"
	testOwner    = "381515276957"
)

type apiFixture struct {
	router http.Handler
	repos  *relica.Repositories

	mu   sync.Mutex
	sent []notify.DeliveryRequest
}

// deliver records every request; endpoints containing "broken" always fail.
func (f *apiFixture) deliver(_ context.Context, req notify.DeliveryRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if strings.Contains(req.Endpoint, "broken") {
		return errors.New("connection refused")
	}
	return nil
}

func (f *apiFixture) sentTo(endpoint string) []notify.DeliveryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.DeliveryRequest
	for _, r := range f.sent {
		if r.Endpoint == endpoint {
			out = append(out, r)
		}
	}
	return out
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, notify.ApplyMigrations(context.Background(), db, "sqlite"))

	f := &apiFixture{repos: relica.NewRepositories(db, "sqlite3")}
	tr := notify.TransportFunc(f.deliver)
	codec := envelope.NewCodec("https://notify.example.com")
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	publisher, err := notify.NewPublisher(
		notify.WithPublisherRepository(f.repos.Subscription),
		notify.WithPublisherTransport(tr),
		notify.WithPublisherLogger(&notify.NoopLogger{}),
		notify.WithPublisherCodec(codec),
		notify.WithPublisherMetrics(m),
		notify.WithDeliveryRecords(f.repos.Delivery, f.repos.DLQ),
		notify.WithDefaultPolicy(model.ProtocolHTTPS, retry.NewPolicy(retry.Stage{NumRetries: 1})),
	)
	require.NoError(t, err)

	sm, err := notify.NewSubscriptionManager(
		notify.WithSubscriptionManagerRepository(f.repos.Subscription),
		notify.WithSubscriptionManagerLogger(&notify.NoopLogger{}),
		notify.WithSubscriptionManagerMetrics(m),
		notify.WithConfirmationTransport(tr, codec),
	)
	require.NoError(t, err)

	h := NewHandler(publisher, sm, f.repos.DLQ, zerolog.Nop())
	f.router = h.NewRouter(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return f
}

func (f *apiFixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// subscribe creates a subscription through the API and returns its ARN.
func (f *apiFixture) subscribe(t *testing.T, endpoint string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/subscriptions", SubscribeRequest{
		TopicArn: testTopicArn,
		Protocol: "https",
		Endpoint: endpoint,
		Owner:    testOwner,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data model.Subscription `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Arn)
	return resp.Data.Arn
}

// confirmViaLink follows the SubscribeURL of the confirmation sent to endpoint.
func (f *apiFixture) confirmViaLink(t *testing.T, endpoint string) *httptest.ResponseRecorder {
	t.Helper()
	sent := f.sentTo(endpoint)
	require.NotEmpty(t, sent)
	env, err := envelope.Decode([]byte(sent[0].Body))
	require.NoError(t, err)
	link, err := url.Parse(env.SubscribeURL)
	require.NoError(t, err)
	return f.do(t, http.MethodGet, link.RequestURI(), nil)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth_RequestID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))
}

func TestSubscribeConfirmPublish(t *testing.T) {
	f := newAPIFixture(t)
	endpoint := "https://example.com/hook"
	subArn := f.subscribe(t, endpoint)

	// unconfirmed subscriptions receive nothing
	rec := f.do(t, http.MethodPost, "/api/v1/publish", PublishRequest{TopicArn: testTopicArn, Message: "early"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, f.sentTo(endpoint), 1, "only the subscription confirmation")

	rec = f.confirmViaLink(t, endpoint)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"confirmed":true`)

	rec = f.do(t, http.MethodGet, "/api/v1/subscriptions/"+subArn, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/publish", PublishRequest{
		TopicArn: testTopicArn,
		Subject:  "order created",
		Message:  `{"orderId":42}`,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data PublishResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.MessageID)
	require.Len(t, resp.Data.Outcomes, 1)
	assert.Equal(t, subArn, resp.Data.Outcomes[0].SubscriptionArn)
	assert.Equal(t, "delivered", resp.Data.Outcomes[0].Status)
	assert.Equal(t, 1, resp.Data.Outcomes[0].Attempts)

	sent := f.sentTo(endpoint)
	require.Len(t, sent, 2)
	assert.Equal(t, model.MessageTypeNotification, sent[1].MessageType)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notify_delivery_attempts_total")

	rec = f.do(t, http.MethodGet, "/api/v1/subscriptions?topicArn="+url.QueryEscape(testTopicArn), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), subArn)
}

func TestPublish_ExhaustedDeliveryIsDeadLettered(t *testing.T) {
	f := newAPIFixture(t)
	endpoint := "https://broken.example.com/hook"
	f.subscribe(t, endpoint)
	require.Equal(t, http.StatusOK, f.confirmViaLink(t, endpoint).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/publish", PublishRequest{TopicArn: testTopicArn, Message: "hello"})
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "connection refused")
	assert.Contains(t, rec.Body.String(), `"failed"`)

	rec = f.do(t, http.MethodGet, "/api/v1/dead-letters/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Data model.DeadLetterStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Data.UnresolvedItems)

	rec = f.do(t, http.MethodGet, "/api/v1/dead-letters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), endpoint)
}

func TestUnsubscribe(t *testing.T) {
	f := newAPIFixture(t)
	endpoint := "https://example.com/hook"
	subArn := f.subscribe(t, endpoint)
	require.Equal(t, http.StatusOK, f.confirmViaLink(t, endpoint).Code)

	rec := f.do(t, http.MethodPut, "/api/v1/subscriptions/"+subArn+"/attributes",
		AttributeRequest{Name: notify.AttributeAuthenticateOnUnsubscribe, Value: "true"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// the unsubscribe link carries no owner
	rec = f.do(t, http.MethodGet, "/?Action=Unsubscribe&SubscriptionArn="+url.QueryEscape(subArn), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/subscriptions/"+subArn+"?owner="+testOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/subscriptions/"+subArn, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, notify.ErrCodeNoData, decodeError(t, rec).Code)
}

func TestErrorResponses(t *testing.T) {
	f := newAPIFixture(t)
	subArn := f.subscribe(t, "https://example.com/hook")

	tests := []struct {
		name   string
		method string
		target string
		body   interface{}
		status int
		code   string
	}{
		{"invalid json", http.MethodPost, "/api/v1/publish", "{", http.StatusBadRequest, "INVALID_JSON"},
		{"publish without message", http.MethodPost, "/api/v1/publish",
			PublishRequest{TopicArn: testTopicArn}, http.StatusBadRequest, notify.ErrCodeValidation},
		{"publish bad structure", http.MethodPost, "/api/v1/publish",
			PublishRequest{TopicArn: testTopicArn, Message: "x", MessageStructure: "xml"}, http.StatusBadRequest, notify.ErrCodeValidation},
		{"publish bad topic", http.MethodPost, "/api/v1/publish",
			PublishRequest{TopicArn: "orders", Message: "x"}, http.StatusBadRequest, notify.ErrCodeValidation},
		{"subscribe unknown protocol", http.MethodPost, "/api/v1/subscriptions",
			SubscribeRequest{TopicArn: testTopicArn, Protocol: "sms", Endpoint: "+15550100", Owner: testOwner},
			http.StatusBadRequest, notify.ErrCodeValidation},
		{"list without topic", http.MethodGet, "/api/v1/subscriptions", nil, http.StatusBadRequest, notify.ErrCodeValidation},
		{"confirm wrong token", http.MethodPost, "/api/v1/subscriptions/" + subArn + "/confirm",
			ConfirmRequest{Token: "nope"}, http.StatusForbidden, notify.ErrCodeAuthorization},
		{"confirm without token", http.MethodPost, "/api/v1/subscriptions/" + subArn + "/confirm",
			ConfirmRequest{}, http.StatusBadRequest, notify.ErrCodeValidation},
		{"unknown attribute", http.MethodPut, "/api/v1/subscriptions/" + subArn + "/attributes",
			AttributeRequest{Name: "FilterPolicy", Value: "{}"}, http.StatusBadRequest, notify.ErrCodeValidation},
		{"bad raw flag", http.MethodPut, "/api/v1/subscriptions/" + subArn + "/attributes",
			AttributeRequest{Name: notify.AttributeRawMessageDelivery, Value: "maybe"}, http.StatusBadRequest, notify.ErrCodeValidation},
		{"unknown action", http.MethodGet, "/?Action=ListTopics", nil, http.StatusBadRequest, notify.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{notify.NewError(notify.ErrCodeValidation, "bad"), http.StatusBadRequest},
		{notify.NewError(notify.ErrCodeAuthorization, "no"), http.StatusForbidden},
		{notify.NewError(notify.ErrCodeExpiredToken, "late"), http.StatusGone},
		{notify.ErrNoData, http.StatusNotFound},
		{notify.NewError(notify.ErrCodeDeliveryExhausted, "gone"), http.StatusBadGateway},
		{notify.NewError(notify.ErrCodeDatabase, "db"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestDeadLetters_Disabled(t *testing.T) {
	f := newAPIFixture(t)
	h := NewHandler(nil, nil, nil, zerolog.Nop())
	f.router = h.NewRouter(nil)

	rec := f.do(t, http.MethodGet, "/api/v1/dead-letters/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
