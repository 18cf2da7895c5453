package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrConflict            ErrorCode = "CONFLICT"
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrDownstreamTransient ErrorCode = "DOWNSTREAM_TRANSIENT"
	ErrDownstreamPermanent ErrorCode = "DOWNSTREAM_PERMANENT"
	ErrInternalServer      ErrorCode = "INTERNAL_SERVER_ERROR"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Retryable reports whether a failure carrying this code is worth retrying.
// Retryability is a property of the code, never of the message text.
func (e APIError) Retryable() bool {
	switch e.Code {
	case ErrDownstreamTransient, ErrConflict, ErrInternalServer:
		return true
	default:
		return false
	}
}

// CodeOf extracts the error code from err, defaulting to INTERNAL_SERVER_ERROR
// for errors that did not originate in this package.
func CodeOf(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternalServer
}

// IsRetryable reports whether err should be retried. Unknown errors are treated
// as transient so a flaky dependency does not get misclassified as permanent.
func IsRetryable(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrUnauthorized:
			return http.StatusUnauthorized
		case ErrConflict:
			return http.StatusConflict
		case ErrInvalidRequest:
			return http.StatusBadRequest
		case ErrDownstreamPermanent:
			return http.StatusBadRequest
		case ErrDownstreamTransient:
			return http.StatusServiceUnavailable
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
