package completion

import (
	"errors"
	"fmt"
)

// SDKError is the base error type for completion failures.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError is an error reported by a completion backend.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Provider error kinds.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Errors raised on our side of the wire.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// MalformedResponseError reports a completion that cannot be used as an
// assistant turn.
type MalformedResponseError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to the matching error type.
// Zero or an unlisted code gives a retryable ProviderError.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64, cause error) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message, Cause: cause},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message, Cause: cause}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether err is worth another attempt. Unknown errors
// are retryable; wrapped errors are classified by their innermost known type.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		auth     *AuthenticationError
		denied   *AccessDeniedError
		notFound *NotFoundError
		invalid  *InvalidRequestError
		ctxLen   *ContextLengthError
		filter   *ContentFilterError
		config   *ConfigurationError
		abort    *AbortError
		rate     *RateLimitError
		server   *ServerError
		network  *NetworkError
		timeout  *RequestTimeoutError
		provider *ProviderError
	)
	switch {
	case errors.As(err, &auth), errors.As(err, &denied), errors.As(err, &notFound),
		errors.As(err, &invalid), errors.As(err, &ctxLen), errors.As(err, &filter),
		errors.As(err, &config), errors.As(err, &abort):
		return false
	case errors.As(err, &rate), errors.As(err, &server), errors.As(err, &network),
		errors.As(err, &timeout):
		return true
	case errors.As(err, &provider):
		return provider.Retryable
	default:
		return true
	}
}
