// Package errs defines the error taxonomy shared by the session controller,
// the dispatch engine and the HTTP surface.
package errs

import (
	"errors"
	"net/http"
)

// Sentinel errors. Packages wrap these with context via fmt.Errorf("...: %w")
// and callers classify with errors.Is.
var (
	ErrValidation                   = errors.New("validation error")
	ErrSessionNotFound              = errors.New("session not found")
	ErrSessionNotReady              = errors.New("session not ready")
	ErrSessionAlreadyConnecting     = errors.New("session is already being set up")
	ErrAuthenticationFailed         = errors.New("authentication failed")
	ErrConnectionTimeout            = errors.New("connection timeout")
	ErrMaxReconnectAttemptsExceeded = errors.New("max reconnection attempts reached")
	ErrTaskNotFound                 = errors.New("task not found")
	ErrMessageSourceInvalid         = errors.New("invalid message source")
	ErrTransportSend                = errors.New("transport send failed")
	ErrDisconnectionDuringDispatch  = errors.New("session disconnected during dispatch")
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrValidation, "validation_error", http.StatusBadRequest},
	{ErrSessionNotFound, "session_not_found", http.StatusNotFound},
	{ErrSessionNotReady, "session_not_ready", http.StatusConflict},
	{ErrSessionAlreadyConnecting, "session_already_connecting", http.StatusConflict},
	{ErrAuthenticationFailed, "authentication_failed", http.StatusUnauthorized},
	{ErrConnectionTimeout, "connection_timeout", http.StatusGatewayTimeout},
	{ErrMaxReconnectAttemptsExceeded, "max_reconnect_attempts_exceeded", http.StatusBadGateway},
	{ErrTaskNotFound, "task_not_found", http.StatusNotFound},
	{ErrMessageSourceInvalid, "message_source_invalid", http.StatusBadRequest},
	{ErrTransportSend, "transport_send_error", http.StatusBadGateway},
	{ErrDisconnectionDuringDispatch, "disconnection_during_dispatch", http.StatusBadGateway},
}

// Code returns a stable machine-readable code for err, or "internal_error"
// when err does not belong to the taxonomy.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}
