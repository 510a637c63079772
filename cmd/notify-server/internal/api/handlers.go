// Package api provides HTTP handlers for the notify server REST API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"github.com/coregx/notify"
	"github.com/coregx/notify/logging"
	"github.com/coregx/notify/model"
)

// Version is reported by the health endpoint.
const Version = "0.2.0"

// Handler holds dependencies for API handlers.
type Handler struct {
	publisher           *notify.Publisher
	subscriptionManager *notify.SubscriptionManager
	dlqRepo             notify.DLQRepository
	logger              zerolog.Logger
}

// NewHandler creates a new API handler. dlqRepo may be nil, which disables the
// dead-letter endpoints.
func NewHandler(
	publisher *notify.Publisher,
	subscriptionManager *notify.SubscriptionManager,
	dlqRepo notify.DLQRepository,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		publisher:           publisher,
		subscriptionManager: subscriptionManager,
		dlqRepo:             dlqRepo,
		logger:              logger,
	}
}

// PublishRequest represents a publish message request.
type PublishRequest struct {
	TopicArn         string `json:"topicArn"`
	Subject          string `json:"subject"`
	Message          string `json:"message"`
	MessageStructure string `json:"messageStructure"`
}

// Validate checks the request shape; the publisher validates the rest.
func (r PublishRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TopicArn, validation.Required),
		validation.Field(&r.Message, validation.Required),
		validation.Field(&r.Subject, validation.Length(0, 100)),
		validation.Field(&r.MessageStructure, validation.In("json")),
	)
}

// SubscribeRequest represents a subscription creation request.
type SubscribeRequest struct {
	TopicArn string `json:"topicArn"`
	Protocol string `json:"protocol"`
	Endpoint string `json:"endpoint"`
	Owner    string `json:"owner"`
}

// ConfirmRequest carries the token of a confirmation.
type ConfirmRequest struct {
	Token string `json:"token"`
}

// Validate checks the token is present.
func (r ConfirmRequest) Validate() error {
	return validation.ValidateStruct(&r, validation.Field(&r.Token, validation.Required))
}

// AttributeRequest sets one subscription attribute.
type AttributeRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Validate checks the attribute name.
func (r AttributeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.In(
			notify.AttributeDeliveryPolicy,
			notify.AttributeRawMessageDelivery,
			notify.AttributeAuthenticateOnUnsubscribe,
		)),
	)
}

// OutcomeResponse reports one subscription of a publish.
type OutcomeResponse struct {
	SubscriptionArn string `json:"subscriptionArn"`
	Protocol        string `json:"protocol"`
	Endpoint        string `json:"endpoint"`
	Status          string `json:"status"`
	Attempts        int    `json:"attempts"`
	Error           string `json:"error,omitempty"`
}

// PublishResponse reports a publish.
type PublishResponse struct {
	MessageID string            `json:"messageId"`
	Outcomes  []OutcomeResponse `json:"outcomes"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandlePublish handles POST /api/v1/publish
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.publisher.Publish(r.Context(), notify.PublishRequest{
		TopicArn:         req.TopicArn,
		Subject:          req.Subject,
		Message:          req.Message,
		MessageStructure: req.MessageStructure,
	})
	if err != nil && result == nil {
		h.respondFailure(w, r, err)
		return
	}

	resp := PublishResponse{MessageID: result.MessageID, Outcomes: make([]OutcomeResponse, 0, len(result.Outcomes))}
	for _, o := range result.Outcomes {
		out := OutcomeResponse{
			SubscriptionArn: o.SubscriptionArn,
			Protocol:        string(o.Protocol),
			Endpoint:        o.Endpoint,
			Status:          string(o.Status),
			Attempts:        o.Attempts,
		}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}

	if err != nil {
		// nothing was delivered; the outcomes explain why
		h.logRequest(r).Warn().Err(err).Str("message_id", result.MessageID).Msg("publish delivered nothing")
		h.respond(w, http.StatusBadGateway, SuccessResponse{Success: false, Data: resp, Message: err.Error()})
		return
	}
	h.respond(w, http.StatusCreated, SuccessResponse{Success: true, Data: resp, Message: "Message published"})
}

// HandleSubscribe handles POST /api/v1/subscriptions
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	sub, err := h.subscriptionManager.Subscribe(r.Context(), notify.SubscribeRequest{
		TopicArn: req.TopicArn,
		Protocol: req.Protocol,
		Endpoint: req.Endpoint,
		UserID:   req.Owner,
	})
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, SuccessResponse{Success: true, Data: sub, Message: "Confirmation pending"})
}

// HandleListSubscriptions handles GET /api/v1/subscriptions?topicArn=...
func (h *Handler) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	topicArn := r.URL.Query().Get("topicArn")
	if topicArn == "" {
		h.respondError(w, r, http.StatusBadRequest, "topicArn is required", notify.ErrCodeValidation)
		return
	}

	subs, err := h.subscriptionManager.ListSubscriptionsByTopic(r.Context(), topicArn)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, SuccessResponse{Success: true, Data: subs})
}

// HandleGetSubscription handles GET /api/v1/subscriptions/{arn}
func (h *Handler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subscriptionManager.GetSubscription(r.Context(), chi.URLParam(r, "arn"))
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, SuccessResponse{Success: true, Data: sub})
}

// HandleConfirm handles POST /api/v1/subscriptions/{arn}/confirm
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.confirm(w, r, chi.URLParam(r, "arn"), req.Token)
}

// HandleUnsubscribe handles DELETE /api/v1/subscriptions/{arn}?owner=...
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	h.unsubscribe(w, r, chi.URLParam(r, "arn"), r.URL.Query().Get("owner"))
}

// HandleSetAttribute handles PUT /api/v1/subscriptions/{arn}/attributes
func (h *Handler) HandleSetAttribute(w http.ResponseWriter, r *http.Request) {
	var req AttributeRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.subscriptionManager.SetAttribute(r.Context(), chi.URLParam(r, "arn"), req.Name, req.Value)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, SuccessResponse{Success: true, Data: sub})
}

// HandleLinkAction handles GET /?Action=... for the links carried in
// confirmation envelopes: ConfirmSubscription and Unsubscribe.
func (h *Handler) HandleLinkAction(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch q.Get("Action") {
	case "ConfirmSubscription":
		h.confirm(w, r, q.Get("SubscriptionArn"), q.Get("Token"))
	case "Unsubscribe":
		h.unsubscribe(w, r, q.Get("SubscriptionArn"), "")
	default:
		h.respondError(w, r, http.StatusBadRequest, "unknown action", notify.ErrCodeValidation)
	}
}

// HandleDeadLetterStats handles GET /api/v1/dead-letters/stats
func (h *Handler) HandleDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	if h.dlqRepo == nil {
		h.respondError(w, r, http.StatusNotFound, "dead letters are not recorded", notify.ErrCodeNoData)
		return
	}
	stats, err := h.dlqRepo.GetStats(r.Context())
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, SuccessResponse{Success: true, Data: stats})
}

// HandleDeadLetters handles GET /api/v1/dead-letters (unresolved, oldest first).
func (h *Handler) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.dlqRepo == nil {
		h.respondError(w, r, http.StatusNotFound, "dead letters are not recorded", notify.ErrCodeNoData)
		return
	}
	items, err := h.dlqRepo.FindUnresolved(r.Context(), 100)
	if err != nil && !notify.IsNoData(err) {
		h.respondFailure(w, r, err)
		return
	}
	if items == nil {
		items = []model.DeadLetter{}
	}
	h.respond(w, http.StatusOK, SuccessResponse{Success: true, Data: items})
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, SuccessResponse{Success: true, Data: map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	}})
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, subscriptionArn, token string) {
	sub, err := h.subscriptionManager.Confirm(r.Context(), subscriptionArn, token)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, SuccessResponse{Success: true, Data: sub, Message: "Subscription confirmed"})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request, subscriptionArn, owner string) {
	if err := h.subscriptionManager.Unsubscribe(r.Context(), subscriptionArn, owner); err != nil {
		h.respondFailure(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, SuccessResponse{Success: true, Message: "Unsubscribed"})
}

// decode reads a JSON body into v and validates it. It writes the error
// response and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v validation.Validatable) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return false
	}
	if err := v.Validate(); err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error(), notify.ErrCodeValidation)
		return false
	}
	return true
}

// statusFor maps notify error codes to HTTP status codes.
func statusFor(err error) int {
	switch notify.ErrorCode(err) {
	case notify.ErrCodeValidation:
		return http.StatusBadRequest
	case notify.ErrCodeAuthorization:
		return http.StatusForbidden
	case notify.ErrCodeExpiredToken:
		return http.StatusGone
	case notify.ErrCodeNoData:
		return http.StatusNotFound
	case notify.ErrCodeDeliveryExhausted, notify.ErrCodeDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := notify.ErrorCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logRequest(r).Error().Err(err).Msg("request failed")
		message = "Internal server error"
	}
	h.respondError(w, r, status, message, code)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, message, code string) {
	h.respond(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: logging.RequestIDFromContext(r.Context()),
	})
}

func (h *Handler) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) logRequest(r *http.Request) *zerolog.Logger {
	logger := logging.WithContext(r.Context(), h.logger)
	return &logger
}
