// Package errors provides the error taxonomy used across the BeamCode broker.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Each error carries a stable kind tag so callers can branch
// without string matching.
const (
	// Transport
	KindSocketClosed    = "SOCKET_CLOSED"
	KindPayloadTooLarge = "PAYLOAD_TOO_LARGE"
	KindInvalidPath     = "INVALID_PATH"
	KindBadOrigin       = "BAD_ORIGIN"

	// Protocol
	KindInvalidFrame       = "INVALID_FRAME"
	KindSchemaViolation    = "SCHEMA_VIOLATION"
	KindUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	KindUnsupported        = "UNSUPPORTED"

	// Auth
	KindUnauthenticated = "UNAUTHENTICATED"
	KindUnauthorized    = "UNAUTHORIZED"
	KindRateLimited     = "RATE_LIMITED"

	// Session
	KindUnknownSession      = "UNKNOWN_SESSION"
	KindSessionClosed       = "SESSION_CLOSED"
	KindBackendDisconnected = "BACKEND_DISCONNECTED"

	// Adapter
	KindConnectFailed    = "CONNECT_FAILED"
	KindHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	KindTranslateError   = "TRANSLATE_ERROR"

	// Capacity
	KindMaxSessionsReached = "MAX_SESSIONS_REACHED"
	KindQueueOverflow      = "QUEUE_OVERFLOW"

	// Storage
	KindPersistenceIO = "PERSISTENCE_IO_ERROR"
)

// AppError is an application error with a stable kind tag and optional cause.
type AppError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with an explicit kind.
func New(kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, HTTPStatus: http.StatusInternalServerError}
}

// SocketClosed reports a closed consumer or CLI socket.
func SocketClosed(message string) *AppError {
	return &AppError{Kind: KindSocketClosed, Message: message, HTTPStatus: http.StatusGone}
}

// PayloadTooLarge reports an oversize frame or request body.
func PayloadTooLarge(limit int64) *AppError {
	return &AppError{
		Kind:       KindPayloadTooLarge,
		Message:    fmt.Sprintf("payload exceeds limit of %d bytes", limit),
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}

// InvalidPath reports a WebSocket or storage path that failed validation.
func InvalidPath(path string) *AppError {
	return &AppError{
		Kind:       KindInvalidPath,
		Message:    fmt.Sprintf("invalid path %q", path),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadOrigin reports a rejected Origin header.
func BadOrigin(origin string) *AppError {
	return &AppError{
		Kind:       KindBadOrigin,
		Message:    fmt.Sprintf("origin %q not allowed", origin),
		HTTPStatus: http.StatusForbidden,
	}
}

// InvalidFrame reports a frame that is not valid JSON.
func InvalidFrame(err error) *AppError {
	return &AppError{Kind: KindInvalidFrame, Message: "frame is not valid JSON", HTTPStatus: http.StatusBadRequest, Err: err}
}

// SchemaViolation reports a frame that parsed but failed schema validation.
func SchemaViolation(message string) *AppError {
	return &AppError{Kind: KindSchemaViolation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// UnknownMessageType reports an inbound type outside the closed set.
func UnknownMessageType(msgType string) *AppError {
	return &AppError{
		Kind:       KindUnknownMessageType,
		Message:    fmt.Sprintf("unknown message type %q", msgType),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unsupported reports an operation the adapter does not implement.
func Unsupported(op string) *AppError {
	return &AppError{
		Kind:       KindUnsupported,
		Message:    fmt.Sprintf("adapter does not support %s", op),
		HTTPStatus: http.StatusNotImplemented,
	}
}

// UnknownAdapter reports a request naming an adapter outside the registry.
func UnknownAdapter(name string) *AppError {
	return &AppError{
		Kind:       KindUnsupported,
		Message:    fmt.Sprintf("unknown adapter %q", name),
		HTTPStatus: http.StatusNotImplemented,
	}
}

// Unauthenticated reports a failed or missing authentication.
func Unauthenticated(message string) *AppError {
	return &AppError{Kind: KindUnauthenticated, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// Unauthorized reports an authenticated identity lacking permission.
func Unauthorized(message string) *AppError {
	return &AppError{Kind: KindUnauthorized, Message: message, HTTPStatus: http.StatusForbidden}
}

// RateLimited reports a consumer exceeding its token bucket.
func RateLimited(message string) *AppError {
	return &AppError{Kind: KindRateLimited, Message: message, HTTPStatus: http.StatusTooManyRequests}
}

// UnknownSession reports a session id with no live or persisted session.
func UnknownSession(sessionID string) *AppError {
	return &AppError{
		Kind:       KindUnknownSession,
		Message:    fmt.Sprintf("session %q not found", sessionID),
		HTTPStatus: http.StatusNotFound,
	}
}

// SessionClosed reports an operation against a closed session.
func SessionClosed(sessionID string) *AppError {
	return &AppError{
		Kind:       KindSessionClosed,
		Message:    fmt.Sprintf("session %q is closed", sessionID),
		HTTPStatus: http.StatusGone,
	}
}

// BackendDisconnected reports an operation requiring a live backend.
func BackendDisconnected(sessionID string) *AppError {
	return &AppError{
		Kind:       KindBackendDisconnected,
		Message:    fmt.Sprintf("backend for session %q is not connected", sessionID),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// ConnectFailed reports an adapter connect failure with its cause.
func ConnectFailed(adapterName string, err error) *AppError {
	return &AppError{
		Kind:       KindConnectFailed,
		Message:    fmt.Sprintf("adapter %q failed to connect", adapterName),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// HandshakeTimeout reports an adapter handshake that did not finish in time.
func HandshakeTimeout(adapterName string) *AppError {
	return &AppError{
		Kind:       KindHandshakeTimeout,
		Message:    fmt.Sprintf("adapter %q handshake timed out", adapterName),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// TranslateError reports a wire event the adapter could not translate.
func TranslateError(adapterName string, err error) *AppError {
	return &AppError{
		Kind:       KindTranslateError,
		Message:    fmt.Sprintf("adapter %q failed to translate message", adapterName),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// MaxSessionsReached reports the session cap.
func MaxSessionsReached(limit int) *AppError {
	return &AppError{
		Kind:       KindMaxSessionsReached,
		Message:    fmt.Sprintf("session limit of %d reached", limit),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// QueueOverflow reports a consumer outbound queue at capacity.
func QueueOverflow(message string) *AppError {
	return &AppError{Kind: KindQueueOverflow, Message: message, HTTPStatus: http.StatusInsufficientStorage}
}

// PersistenceIO wraps a storage failure. These are logged, never fatal.
func PersistenceIO(err error) *AppError {
	return &AppError{
		Kind:       KindPersistenceIO,
		Message:    "session persistence failed",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsKind reports whether err is an AppError with the given kind.
func IsKind(err error, kind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
