package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable error-kind string surfaced to callers and matched
// against audit events. Kinds never change once released; clients key on them.
type ErrorKind string

const (
	KindBadRequest       ErrorKind = "BadRequest"
	KindUnauthenticated  ErrorKind = "Unauthenticated"
	KindForbidden        ErrorKind = "Forbidden"
	KindNotFound         ErrorKind = "NotFound"
	KindConflict         ErrorKind = "Conflict"
	KindTransientBackend ErrorKind = "TransientBackendError"
	KindBackendData      ErrorKind = "BackendDataError"
	KindScanTimeout      ErrorKind = "ScanTimeout"
	KindPeerUnreachable  ErrorKind = "PeerUnreachable"
	KindBackpressure     ErrorKind = "Backpressure"
)

// Error is the typed error value propagated through the service layers.
// Errors are values, never panics; only truly fatal conditions terminate a
// task.
type Error struct {
	Kind    ErrorKind
	Message string
	// RequiredPermission is populated on Forbidden errors so clients can see
	// which (server, method, tool) rule was missing.
	RequiredPermission string
	// Fields carries per-field validation details on BadRequest errors.
	Fields map[string]string
	// RequestID correlates the error with the matching audit event.
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to its transport status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBackpressure:
		return http.StatusServiceUnavailable
	case KindPeerUnreachable:
		return http.StatusBadGateway
	case KindScanTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewBadRequestError creates a BadRequest error with optional field details.
func NewBadRequestError(message string, fields map[string]string) *Error {
	return &Error{Kind: KindBadRequest, Message: message, Fields: fields}
}

// NewUnauthenticatedError creates an Unauthenticated error.
func NewUnauthenticatedError(message string, err error) *Error {
	return &Error{Kind: KindUnauthenticated, Message: message, Err: err}
}

// NewForbiddenError creates a Forbidden error naming the missing permission.
func NewForbiddenError(message, requiredPermission string) *Error {
	return &Error{Kind: KindForbidden, Message: message, RequiredPermission: requiredPermission}
}

// NewNotFoundError creates a NotFound error for a resource.
func NewNotFoundError(resourceType, resourceName string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", resourceType, resourceName)}
}

// NewConflictError creates a Conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}

// NewTransientBackendError wraps a transient I/O failure. The service layer
// retries these with bounded exponential backoff before surfacing them.
func NewTransientBackendError(message string, err error) *Error {
	return &Error{Kind: KindTransientBackend, Message: message, Err: err}
}

// NewBackendDataError wraps a schema violation in stored data. Fatal for the
// affected request; logged at ERROR.
func NewBackendDataError(message string, err error) *Error {
	return &Error{Kind: KindBackendData, Message: message, Err: err}
}

// NewScanTimeoutError creates a ScanTimeout error.
func NewScanTimeoutError(serverPath string) *Error {
	return &Error{Kind: KindScanTimeout, Message: fmt.Sprintf("security scan for %s exceeded deadline", serverPath)}
}

// NewPeerUnreachableError wraps a transport or auth failure against a peer.
func NewPeerUnreachableError(peerID string, err error) *Error {
	return &Error{Kind: KindPeerUnreachable, Message: fmt.Sprintf("peer %s unreachable", peerID), Err: err}
}

// NewBackpressureError signals connection-pool exhaustion at the proxy.
func NewBackpressureError(serverPath string) *Error {
	return &Error{Kind: KindBackpressure, Message: fmt.Sprintf("backend %s connection pool exhausted", serverPath)}
}

// KindOf extracts the error kind, or empty if err is not a typed error.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsTransient checks if an error is retriable.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientBackend
}

// IsForbidden checks if an error is a Forbidden error.
func IsForbidden(err error) bool {
	return KindOf(err) == KindForbidden
}

// AsError coerces any error into a typed Error, defaulting unknown causes to
// a backend data error so they surface as 500 without losing the cause.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Kind: KindBackendData, Message: "internal error", Err: err}
}
