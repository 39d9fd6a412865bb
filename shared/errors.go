package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoPreset              = errors.New("no preset selected")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotRunning     = errors.New("session not running")
	ErrNotConnected          = errors.New("transport not connected")
	ErrAlreadyConnected      = errors.New("transport already connected")
	ErrReconnectInFlight     = errors.New("reconnect already in flight")
	ErrReconnectExhausted    = errors.New("reconnect attempts exhausted")
	ErrHandshakeTimeout      = errors.New("handshake timed out")
	ErrToolsUnsupported      = errors.New("backend does not support tool calls")
	ErrUnknownTool           = errors.New("unknown tool")
	ErrTeardownInProgress    = errors.New("teardown in progress")
	ErrPipelineNotReady      = errors.New("audio pipeline not initialized")
	ErrCodecClosed           = errors.New("codec bridge closed")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
)

// ConfigurationError is fatal to session start and never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

type MediaAccessReason string

const (
	MediaPermissionDenied MediaAccessReason = "permission-denied"
	MediaNoDevice         MediaAccessReason = "no-device"
)

// MediaAccessError reports a microphone that could not be opened.
type MediaAccessError struct {
	Reason MediaAccessReason
	Err    error
}

func (e *MediaAccessError) Error() string {
	switch e.Reason {
	case MediaNoDevice:
		return "no microphone found: connect an input device and try again"
	case MediaPermissionDenied:
		return "microphone access denied: grant permission to use the input device"
	}
	return fmt.Sprintf("microphone unavailable: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// TransportError covers connect and handshake failures. Handshake is set when
// the socket opened but the backend never confirmed readiness.
type TransportError struct {
	Op        string
	URL       string
	Handshake bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Handshake {
		return fmt.Sprintf("%s %s: backend unavailable, try the other backend: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks a malformed inbound message. It is logged and the
// message dropped.
type ProtocolError struct {
	Kind string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolExecutionError is reported back to the backend as a structured failure.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// IsHandshakeFailure reports whether err is a transport error raised because
// the backend never completed its handshake.
func IsHandshakeFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Handshake
}
