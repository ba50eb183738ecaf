package core

import (
	"errors"
	"fmt"
	"net/url"
)

// Error is the canonical error type for the companion client.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrInvalidRequest covers misuse of the local API, such as connecting
	// a session that is already connected.
	ErrInvalidRequest ErrorType = "invalid_request_error"

	// ErrAuthentication means the remote service rejected the API
	// credential. Callers should re-prompt for a credential before
	// retrying; no amount of plain retries will succeed.
	ErrAuthentication ErrorType = "authentication_error"

	// ErrDevice covers microphone/camera acquisition failures.
	ErrDevice ErrorType = "device_error"

	// ErrAPI covers remote protocol or service failures.
	ErrAPI ErrorType = "api_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewAuthenticationError creates a credential-rejected error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewDeviceError creates a device acquisition error.
func NewDeviceError(device string, underlying error) *Error {
	return &Error{Type: ErrDevice, Message: fmt.Sprintf("%s: %v", device, underlying)}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// IsCredentialError reports whether err (anywhere in its chain) indicates
// that the remote rejected the session's API credential.
func IsCredentialError(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Type == ErrAuthentication
}

// TransportError represents socket-level failures (DNS, timeouts,
// connection reset, TLS handshake, websocket close) while talking to the
// live service.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLQuery(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// redactURLQuery strips the query string, which carries the API key on
// live websocket endpoints.
func redactURLQuery(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.RawQuery = ""
	parsed.User = nil
	return parsed.String()
}
