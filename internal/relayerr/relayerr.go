// Package relayerr provides the standardized error taxonomy used at every
// boundary of tablerelay: REST responses and internal logging.
//
// Error Structure:
//   - Code: machine-readable identifier (e.g. "CLIENT_NOT_FOUND")
//   - Message: human-readable description
//   - Details: optional debugging context, included in the JSON error body
//     whenever it is set
//   - StatusCode: HTTP status mapped automatically from Code
package relayerr

import (
	"fmt"
	"net/http"
)

// AppError is a standardized application error with HTTP context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the JSON body written for a failed REST request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error codes, one per §7 taxonomy entry.
const (
	ErrCodeUnauthenticated      = "UNAUTHENTICATED"
	ErrCodeClientNotFound       = "CLIENT_NOT_FOUND"
	ErrCodeBadRequest           = "BAD_REQUEST"
	ErrCodeForwardingFailed     = "FORWARDING_FAILED"
	ErrCodeSendFailed           = "SEND_FAILED"
	ErrCodeRequestTimeout       = "REQUEST_TIMEOUT"
	ErrCodeClientDisconnected   = "CLIENT_DISCONNECTED"
	ErrCodeDirectoryUnavailable = "DIRECTORY_UNAVAILABLE"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusFor(code)}
}

func NewWithDetails(code, message, details string) *AppError {
	return &AppError{Code: code, Message: message, Details: details, StatusCode: statusFor(code)}
}

func Wrap(code, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(code, message, details)
}

// statusFor maps a taxonomy code to its HTTP status, per spec §7. Directory
// unavailability is logged only and never surfaces as an HTTP error — callers
// that reach statusFor with that code are degrading to local handling, not
// producing a response, so it maps to 0 as a signal that no response should
// be written for it directly.
func statusFor(code string) int {
	switch code {
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeClientNotFound:
		return http.StatusNotFound
	case ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeForwardingFailed, ErrCodeSendFailed, ErrCodeInternal:
		return http.StatusInternalServerError
	case ErrCodeRequestTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeClientDisconnected:
		return http.StatusBadGateway
	case ErrCodeDirectoryUnavailable:
		return 0
	default:
		return http.StatusInternalServerError
	}
}

func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Code, Message: e.Message, Code: e.Code, Details: e.Details}
}

// Convenience constructors, one per taxonomy entry used outside this package.

func Unauthenticated(message string) *AppError { return New(ErrCodeUnauthenticated, message) }

func ClientNotFound(clientID string) *AppError {
	return New(ErrCodeClientNotFound, fmt.Sprintf("client %q not found", clientID))
}

func BadRequest(message string) *AppError { return New(ErrCodeBadRequest, message) }

func ForwardingFailed(err error) *AppError {
	return Wrap(ErrCodeForwardingFailed, "forwarding to peer replica failed", err)
}

func SendFailed(clientID string) *AppError {
	return New(ErrCodeSendFailed, fmt.Sprintf("outbound queue for client %q is full", clientID))
}

func RequestTimeout(kind string) *AppError {
	return New(ErrCodeRequestTimeout, fmt.Sprintf("request of kind %q timed out", kind))
}

func ClientDisconnected(requestID string) *AppError {
	return New(ErrCodeClientDisconnected, fmt.Sprintf("client disconnected mid-request %q", requestID))
}

func Internal(message string) *AppError { return New(ErrCodeInternal, message) }
