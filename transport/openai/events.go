package openai

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type ServerEventType string

type ClientEventType string

// Server event types the adapter translates.
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeConversationItemInputAudioTranscriptionDelta     ServerEventType = "conversation.item.input_audio_transcription.delta"
	ServerEventTypeConversationItemInputAudioTranscriptionFailed    ServerEventType = "conversation.item.input_audio_transcription.failed"
	ServerEventTypeInputAudioBufferSpeechStarted                    ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped                    ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseCreated                                  ServerEventType = "response.created"
	ServerEventTypeResponseDone                                     ServerEventType = "response.done"
	ServerEventTypeResponseOutputItemAdded                          ServerEventType = "response.output_item.added"
	ServerEventTypeResponseOutputTextDelta                          ServerEventType = "response.output_text.delta"
	ServerEventTypeResponseOutputTextDone                           ServerEventType = "response.output_text.done"
	ServerEventTypeResponseOutputAudioTranscriptDelta               ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseOutputAudioTranscriptDone                ServerEventType = "response.output_audio_transcript.done"
	ServerEventTypeResponseOutputAudioDelta                         ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseFunctionCallArgumentsDone                ServerEventType = "response.function_call_arguments.done"
)

// Server event types that are valid but carry nothing the session acts on.
var ignoredServerEvents = map[ServerEventType]struct{}{
	"conversation.created":                                {},
	"conversation.item.created":                           {},
	"conversation.item.added":                             {},
	"conversation.item.done":                              {},
	"conversation.item.retrieved":                         {},
	"conversation.item.truncated":                         {},
	"conversation.item.deleted":                           {},
	"conversation.item.input_audio_transcription.segment": {},
	"input_audio_buffer.committed":                        {},
	"input_audio_buffer.cleared":                          {},
	"input_audio_buffer.timeout_triggered":                {},
	"output_audio_buffer.started":                         {},
	"output_audio_buffer.stopped":                         {},
	"output_audio_buffer.cleared":                         {},
	"response.output_item.done":                           {},
	"response.content_part.added":                         {},
	"response.content_part.done":                          {},
	"response.output_audio.done":                          {},
	"response.function_call_arguments.delta":              {},
	"response.mcp_call_arguments.delta":                   {},
	"response.mcp_call_arguments.done":                    {},
	"response.mcp_call.in_progress":                       {},
	"response.mcp_call.completed":                         {},
	"response.mcp_call.failed":                            {},
	"mcp_list_tools.in_progress":                          {},
	"mcp_list_tools.completed":                            {},
	"mcp_list_tools.failed":                               {},
	"rate_limits.updated":                                 {},
}

const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  ClientEventType = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeResponseCancel         ClientEventType = "response.cancel"
)

var errUnknownEventType = errors.New("unknown event type")

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

// UnmarshalJSON decodes the envelope and the typed param. Ignored types
// decode to *ServerEventParamIgnored; unknown types are an error.
func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok && v != "" {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated, ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSession)
	case ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		e.Param = new(ServerEventParamInputTranscriptionCompleted)
	case ServerEventTypeConversationItemInputAudioTranscriptionDelta:
		e.Param = new(ServerEventParamInputTranscriptionDelta)
	case ServerEventTypeConversationItemInputAudioTranscriptionFailed:
		e.Param = new(ServerEventParamInputTranscriptionFailed)
	case ServerEventTypeInputAudioBufferSpeechStarted, ServerEventTypeInputAudioBufferSpeechStopped:
		e.Param = new(ServerEventParamSpeech)
	case ServerEventTypeResponseCreated, ServerEventTypeResponseDone:
		e.Param = new(ServerEventParamResponse)
	case ServerEventTypeResponseOutputItemAdded:
		e.Param = new(ServerEventParamResponseOutputItem)
	case ServerEventTypeResponseOutputTextDelta, ServerEventTypeResponseOutputAudioTranscriptDelta:
		e.Param = new(ServerEventParamOutputDelta)
	case ServerEventTypeResponseOutputTextDone:
		e.Param = &ServerEventParamOutputDone{field: "text"}
	case ServerEventTypeResponseOutputAudioTranscriptDone:
		e.Param = &ServerEventParamOutputDone{field: "transcript"}
	case ServerEventTypeResponseOutputAudioDelta:
		e.Param = new(ServerEventParamOutputAudioDelta)
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		e.Param = new(ServerEventParamFunctionCallArgumentsDone)
	default:
		if _, ok := ignoredServerEvents[e.Type]; !ok {
			return fmt.Errorf("%w: %s", errUnknownEventType, e.Type)
		}
		e.Param = new(ServerEventParamIgnored)
	}
	return e.Param.New(raw)
}

type EventParam interface {
	New(map[string]any) error
}

func requireString(m map[string]any, key string) (string, error) {
	if v, ok := m[key].(string); ok {
		return v, nil
	}
	return "", fmt.Errorf("missing %s", key)
}

func optString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// error
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
}

func (p *ServerEventParamError) New(m map[string]any) error {
	obj, ok := m["error"].(map[string]any)
	if !ok {
		obj = m
	}
	p.Type = optString(obj, "type")
	p.Code = optString(obj, "code")
	msg, err := requireString(obj, "message")
	if err != nil {
		return fmt.Errorf("error event: %w", err)
	}
	p.Message = msg
	return nil
}

// session.created, session.updated
type ServerEventParamSession struct {
	Session map[string]any
}

func (p *ServerEventParamSession) New(m map[string]any) error {
	if v, ok := m["session"].(map[string]any); ok {
		p.Session = v
		return nil
	}
	return errors.New("missing session")
}

// conversation.item.input_audio_transcription.completed
type ServerEventParamInputTranscriptionCompleted struct {
	ItemId     string
	Transcript string
}

func (p *ServerEventParamInputTranscriptionCompleted) New(m map[string]any) (err error) {
	if p.ItemId, err = requireString(m, "item_id"); err != nil {
		return err
	}
	p.Transcript, err = requireString(m, "transcript")
	return err
}

// conversation.item.input_audio_transcription.delta
type ServerEventParamInputTranscriptionDelta struct {
	ItemId string
	Delta  string
}

func (p *ServerEventParamInputTranscriptionDelta) New(m map[string]any) (err error) {
	if p.ItemId, err = requireString(m, "item_id"); err != nil {
		return err
	}
	p.Delta, err = requireString(m, "delta")
	return err
}

// conversation.item.input_audio_transcription.failed
type ServerEventParamInputTranscriptionFailed struct {
	ItemId  string
	Message string
}

func (p *ServerEventParamInputTranscriptionFailed) New(m map[string]any) error {
	p.ItemId = optString(m, "item_id")
	if obj, ok := m["error"].(map[string]any); ok {
		p.Message = optString(obj, "message")
	}
	return nil
}

// input_audio_buffer.speech_started, input_audio_buffer.speech_stopped
type ServerEventParamSpeech struct {
	ItemId string
	AtMs   int
}

func (p *ServerEventParamSpeech) New(m map[string]any) error {
	p.ItemId = optString(m, "item_id")
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AtMs = v
	} else if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AtMs = v
	}
	return nil
}

// response.created, response.done
type ServerEventParamResponse struct {
	Id     string
	Status string
}

func (p *ServerEventParamResponse) New(m map[string]any) error {
	resp, ok := m["response"].(map[string]any)
	if !ok {
		return errors.New("missing response")
	}
	p.Id = optString(resp, "id")
	p.Status = optString(resp, "status")
	return nil
}

// response.output_item.added
type ServerEventParamResponseOutputItem struct {
	ResponseId string
	ItemType   string
	ItemId     string
	CallId     string
	Name       string
}

func (p *ServerEventParamResponseOutputItem) New(m map[string]any) error {
	item, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	p.ResponseId = optString(m, "response_id")
	p.ItemType = optString(item, "type")
	p.ItemId = optString(item, "id")
	p.CallId = optString(item, "call_id")
	p.Name = optString(item, "name")
	return nil
}

// response.output_text.delta, response.output_audio_transcript.delta
type ServerEventParamOutputDelta struct {
	ResponseId string
	ItemId     string
	Delta      string
}

func (p *ServerEventParamOutputDelta) New(m map[string]any) (err error) {
	p.ResponseId = optString(m, "response_id")
	p.ItemId = optString(m, "item_id")
	p.Delta, err = requireString(m, "delta")
	return err
}

// response.output_text.done, response.output_audio_transcript.done
type ServerEventParamOutputDone struct {
	field      string
	ResponseId string
	ItemId     string
	Text       string
}

func (p *ServerEventParamOutputDone) New(m map[string]any) error {
	p.ResponseId = optString(m, "response_id")
	p.ItemId = optString(m, "item_id")
	p.Text = optString(m, p.field)
	return nil
}

// response.output_audio.delta
type ServerEventParamOutputAudioDelta struct {
	ResponseId string
	ItemId     string
	Audio      []byte
}

func (p *ServerEventParamOutputAudioDelta) New(m map[string]any) error {
	p.ResponseId = optString(m, "response_id")
	p.ItemId = optString(m, "item_id")
	delta, err := requireString(m, "delta")
	if err != nil {
		return err
	}
	p.Audio, err = base64.StdEncoding.DecodeString(delta)
	if err != nil {
		return fmt.Errorf("decoding audio delta: %w", err)
	}
	return nil
}

// response.function_call_arguments.done
type ServerEventParamFunctionCallArgumentsDone struct {
	ResponseId string
	ItemId     string
	CallId     string
	Name       string
	Arguments  string
}

func (p *ServerEventParamFunctionCallArgumentsDone) New(m map[string]any) (err error) {
	if p.CallId, err = requireString(m, "call_id"); err != nil {
		return err
	}
	p.ResponseId = optString(m, "response_id")
	p.ItemId = optString(m, "item_id")
	p.Name = optString(m, "name")
	p.Arguments = optString(m, "arguments")
	return nil
}

type ServerEventParamIgnored struct {
	Fields map[string]any
}

func (p *ServerEventParamIgnored) New(m map[string]any) error {
	p.Fields = m
	return nil
}
