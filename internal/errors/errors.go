package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError represents an error that can be returned to clients.
type GatewayError struct {
	Status     int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors (no request id) use pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Base errors, one per taxonomy code. Each maps to the HTTP status the
// client receives.
var (
	ErrRouteNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "RouteNotFound",
		Message: "No route matches the requested path",
	}

	ErrMethodNotAllowed = &GatewayError{
		Status:  http.StatusMethodNotAllowed,
		Code:    "MethodNotAllowed",
		Message: "Method not permitted on this route",
	}

	ErrAuthMissing = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    "AuthMissing",
		Message: "Bearer token not provided",
	}

	ErrAuthMalformed = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    "AuthMalformed",
		Message: "Bearer token is malformed",
	}

	ErrAuthExpired = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    "AuthExpired",
		Message: "Bearer token has expired or is not yet valid",
	}

	ErrAuthSignatureInvalid = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    "AuthSignatureInvalid",
		Message: "Bearer token signature verification failed",
	}

	ErrAuthClaimMissing = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    "AuthClaimMissing",
		Message: "Bearer token is missing a required claim",
	}

	ErrRateLimited = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Code:    "RateLimited",
		Message: "Request rate limit exceeded",
	}

	ErrCircuitOpen = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Code:    "CircuitOpen",
		Message: "No backends available to serve the request",
	}

	ErrUpstreamTimeout = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Code:    "UpstreamTimeout",
		Message: "Upstream did not respond in time",
	}

	ErrUpstreamConnection = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    "UpstreamConnectionError",
		Message: "Could not connect to upstream",
	}

	ErrUpstreamTransport = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    "UpstreamTransportError",
		Message: "Upstream transport failure",
	}

	ErrConfigInvalid = &GatewayError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "ConfigInvalid",
		Message: "Configuration validation failed",
	}

	ErrRequestTooLarge = &GatewayError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "RequestTooLarge",
		Message: "Request body exceeds the buffering limit",
	}

	ErrProtocolUnsupported = &GatewayError{
		Status:  http.StatusNotImplemented,
		Code:    "ProtocolUnsupported",
		Message: "Route protocol is not served by this listener",
	}

	ErrInternal = &GatewayError{
		Status:  http.StatusInternalServerError,
		Code:    "Internal",
		Message: "Internal server error",
	}
)

// preSerialized holds JSON-encoded bytes for the base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrRouteNotFound, ErrMethodNotAllowed,
		ErrAuthMissing, ErrAuthMalformed, ErrAuthExpired,
		ErrAuthSignatureInvalid, ErrAuthClaimMissing,
		ErrRateLimited, ErrCircuitOpen,
		ErrUpstreamTimeout, ErrUpstreamConnection, ErrUpstreamTransport,
		ErrConfigInvalid, ErrRequestTooLarge, ErrProtocolUnsupported,
		ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a taxonomy code and status.
func Wrap(err error, status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:     status,
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithMessage returns a copy with a more specific human message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Code:       e.Code,
		Message:    message,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy carrying the correlation id.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Code:       e.Code,
		Message:    e.Message,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// AsGatewayError checks if an error is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
