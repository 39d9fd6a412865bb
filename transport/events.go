package transport

// Role identifies who produced a transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StateHint is an adapter's suggestion for the controller's agent state.
// Only the controller decides whether to act on it.
type StateHint string

const (
	HintListening StateHint = "listening"
	HintThinking  StateHint = "thinking"
	HintSpeaking  StateHint = "speaking"
)

// Event is the closed set of normalized events emitted by every adapter.
// The unexported marker method keeps the set closed to this package.
type Event interface {
	eventKind() string
}

type Connected struct{}

type Disconnected struct {
	Reason string
	// Terminal is set when no further reconnect attempts will be made.
	Terminal bool
}

type Error struct {
	Message string
}

type AudioDelta struct {
	// Data is wire-format audio; the codec bridge decodes it.
	Data []byte
}

type TranscriptDelta struct {
	TurnID string
	Role   Role
	Text   string
}

type TranscriptDone struct {
	TurnID string
	Role   Role
	Text   string
}

type AgentState struct {
	Hint StateHint
}

type ToolCall struct {
	Invocation ToolInvocation
}

type TurnCompleted struct{}

func (Connected) eventKind() string       { return "connected" }
func (Disconnected) eventKind() string    { return "disconnected" }
func (Error) eventKind() string           { return "error" }
func (AudioDelta) eventKind() string      { return "audio_delta" }
func (TranscriptDelta) eventKind() string { return "transcript_delta" }
func (TranscriptDone) eventKind() string  { return "transcript_done" }
func (AgentState) eventKind() string      { return "agent_state" }
func (ToolCall) eventKind() string        { return "tool_call" }
func (TurnCompleted) eventKind() string   { return "turn_completed" }

// Kind returns a stable name for logging.
func Kind(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventKind()
}
