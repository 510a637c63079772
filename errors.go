package notify

import (
	"errors"
	"fmt"

	"github.com/coregx/notify/envelope"
	"github.com/coregx/notify/model"
)

// Error represents a notify library error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for notify operations.
const (
	// ErrCodeNoData indicates no data was found.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeValidation indicates a malformed or missing field.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeAuthorization indicates a confirmation token mismatch or an
	// unsubscribe by someone other than the owner.
	ErrCodeAuthorization = "AUTHORIZATION_ERROR"

	// ErrCodeExpiredToken indicates a confirmation after the token window.
	ErrCodeExpiredToken = "EXPIRED_TOKEN"

	// ErrCodeMalformedEnvelope indicates a relay document failed to decode.
	ErrCodeMalformedEnvelope = "MALFORMED_ENVELOPE"

	// ErrCodeDeliveryExhausted indicates every attempt of a delivery policy failed.
	ErrCodeDeliveryExhausted = "DELIVERY_EXHAUSTED"

	// ErrCodeConfiguration indicates invalid configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeDatabase indicates database operation failed.
	ErrCodeDatabase = "DATABASE_ERROR"

	// ErrCodeDelivery indicates message delivery failed.
	ErrCodeDelivery = "DELIVERY_ERROR"
)

// Common errors.
var (
	// ErrNoData is returned when a query returns no results.
	// This is not necessarily an error condition in all cases.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrNotAuthorized is returned by Confirm for an unknown subscription or a wrong
	// token alike, so callers cannot probe which subscriptions exist.
	ErrNotAuthorized = &Error{
		Code:    ErrCodeAuthorization,
		Message: "not authorized",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var notifyErr *Error
	if errors.As(err, &notifyErr) {
		return notifyErr.Code
	}
	return ""
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	return ErrorCode(err) == ErrCodeNoData || errors.Is(err, ErrNoData)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *model.ValidationError
	return ErrorCode(err) == ErrCodeValidation || errors.As(err, &ve)
}

// IsAuthorization reports whether err is an authorization failure.
func IsAuthorization(err error) bool {
	return ErrorCode(err) == ErrCodeAuthorization
}

// IsExpiredToken reports whether err is an expired confirmation token.
func IsExpiredToken(err error) bool {
	return ErrorCode(err) == ErrCodeExpiredToken
}

// IsMalformedEnvelope reports whether err is a relay decode failure.
func IsMalformedEnvelope(err error) bool {
	return ErrorCode(err) == ErrCodeMalformedEnvelope || errors.Is(err, envelope.ErrMalformedEnvelope)
}

// IsDeliveryExhausted reports whether err is an exhausted delivery policy.
func IsDeliveryExhausted(err error) bool {
	return ErrorCode(err) == ErrCodeDeliveryExhausted
}

// ValidateSubscription checks the subscription invariants with the default ARN
// checker and returns a VALIDATION_ERROR naming the first violated one.
func ValidateSubscription(sub model.Subscription) error {
	return validateSubscription(sub, nil)
}

func validateSubscription(sub model.Subscription, checker ArnChecker) error {
	if err := sub.Validate(checker); err != nil {
		return NewErrorWithCause(ErrCodeValidation, err.Error(), err)
	}
	return nil
}
