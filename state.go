package realtime

import (
	"time"

	"github.com/bt-bridge/realtime-session/toolbridge"
	"github.com/bt-bridge/realtime-session/transcript"
	"github.com/bt-bridge/realtime-session/transport"
)

type AgentState int

const (
	StateIdle AgentState = iota
	StateListening
	StateThinking
	StateSpeaking
	StateInterrupted
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// generating reports whether the assistant owns the floor.
func (s AgentState) generating() bool {
	return s == StateThinking || s == StateSpeaking
}

// Notification is the closed set of updates a Session publishes.
type Notification interface {
	notification()
}

type StateChanged struct {
	From, To AgentState
	At       time.Time
}

// TranscriptUpdated carries a turn's text so far. Final is set once, when
// the turn completes.
type TranscriptUpdated struct {
	TurnID string
	Role   transport.Role
	Text   string
	Final  bool
}

type TurnPersisted struct {
	Turn transcript.Turn
	Err  error
}

// ToolCompleted reports a finished tool call. Stale is set when the session
// was interrupted after dispatch; the result still reached the backend but
// should not be shown.
type ToolCompleted struct {
	Result toolbridge.Result
	Stale  bool
}

type ConnectionChanged struct {
	Connected bool
	Reason    string
	Terminal  bool
}

// BackendError is a non-fatal error reported by the backend.
type BackendError struct {
	Message string
}

func (StateChanged) notification()      {}
func (TranscriptUpdated) notification() {}
func (TurnPersisted) notification()     {}
func (ToolCompleted) notification()     {}
func (ConnectionChanged) notification() {}
func (BackendError) notification()      {}
