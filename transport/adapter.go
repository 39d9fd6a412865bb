// Package transport defines the contract shared by every backend adapter:
// the duplex operations, the closed event set and the reconnect policy.
package transport

import (
	"context"
)

type Backend string

const (
	BackendOpenAI Backend = "openai"
	BackendFramed Backend = "framed"
)

// Tool is a callable function advertised to the backend.
type Tool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

// ToolInvocation is a function-call request taken from the stream.
type ToolInvocation struct {
	ID           string
	Name         string
	RawArguments string
}

type Handler func(Event)

// Adapter owns one physical duplex connection to a backend. Sends are
// serialized by the implementation; events are delivered to subscribers in
// arrival order from a single goroutine.
type Adapter interface {
	Backend() Backend
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	SendAudio(frame []byte) error
	CommitAudio() error
	ClearAudioBuffer() error
	SendToolResult(id string, output any) error
	SendSystemText(text string) error
	CancelResponse() error
	RequestResponse() error
	// UpdateSession pushes renegotiated parameters to a live connection.
	UpdateSession(opts SessionOptions) error

	// SupportsTools reports whether ToolCall events can ever be emitted.
	SupportsTools() bool

	Subscribe(h Handler) (unsubscribe func())
}

// TurnDetection selects how the backend decides a user turn has ended.
// An empty Type disables backend turn detection.
type TurnDetection struct {
	Type              string  `yaml:"type"`
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int64   `yaml:"prefix_padding_ms"`
	SilenceDurationMs int64   `yaml:"silence_duration_ms"`
	Eagerness         string  `yaml:"eagerness"`
	CreateResponse    bool    `yaml:"create_response"`
	InterruptResponse bool    `yaml:"interrupt_response"`
}

// SessionOptions are the negotiated parameters an adapter advertises.
type SessionOptions struct {
	Model           string
	Voice           string
	Instructions    string
	Temperature     float64
	MaxOutputTokens int64
	SampleRate      int
	TurnDetection   TurnDetection
	Tools           []Tool
}
