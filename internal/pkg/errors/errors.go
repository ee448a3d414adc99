package errors

import (
	stderrors "errors"
	"net/http"
)

// Kind classifies a failure for logging, metrics and the outbound message.
type Kind string

const (
	KindValidation     Kind = "VALIDATION_ERROR"
	KindAuth           Kind = "AUTH_ERROR"
	KindTierDenied     Kind = "TIER_DENIED"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindGatewayTimeout Kind = "GATEWAY_TIMEOUT"
	KindGatewayError   Kind = "GATEWAY_ERROR"
	KindInternal       Kind = "INTERNAL_ERROR"
)

// Error carries a Kind and a message that is safe to show to the end user.
// Cause holds the underlying failure for logs only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same Kind, so errors.Is(err, RateLimited("")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func Validation(msg string) *Error { return New(KindValidation, msg) }

func Auth(msg string) *Error { return New(KindAuth, msg) }

func TierDenied(msg string) *Error { return New(KindTierDenied, msg) }

func RateLimited(msg string) *Error { return New(KindRateLimited, msg) }

func GatewayTimeout(msg string, cause error) *Error { return Wrap(KindGatewayTimeout, msg, cause) }

func GatewayError(msg string, cause error) *Error { return Wrap(KindGatewayError, msg, cause) }

func Internal(msg string, cause error) *Error { return Wrap(KindInternal, msg, cause) }

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "something went wrong while preparing a hint"
}

// Counted reports whether a failure of this kind is an error of the service
// itself rather than a policy outcome.
func (k Kind) Counted() bool {
	switch k {
	case KindGatewayTimeout, KindGatewayError, KindInternal:
		return true
	}
	return false
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusRequestEntityTooLarge
	case KindAuth:
		return http.StatusUnauthorized
	case KindTierDenied:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	case KindGatewayError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
