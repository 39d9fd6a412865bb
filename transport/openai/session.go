package openai

import (
	"fmt"

	"github.com/bt-bridge/realtime-session/transport"
	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
)

const (
	DefaultModel      = "gpt-realtime"
	DefaultVoice      = "ash"
	DefaultSampleRate = 24000
)

// SessionParam builds the session.update payload from negotiated options.
func SessionParam(opts transport.SessionOptions) *realtime.RealtimeSessionCreateRequestParam {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	voice := opts.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	rate := int64(opts.SampleRate)
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	pcm := realtime.RealtimeAudioFormatsUnionParam{
		OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
			Rate: rate,
			Type: "audio/pcm",
		},
	}

	input := realtime.RealtimeAudioConfigInputParam{
		Format: pcm,
		Transcription: realtime.AudioTranscriptionParam{
			Model: realtime.AudioTranscriptionModel("whisper-1"),
		},
	}
	if td, ok := turnDetectionParam(opts.TurnDetection); ok {
		input.TurnDetection = td
	} else {
		input.SetExtraFields(map[string]any{"turn_detection": nil})
	}

	session := &realtime.RealtimeSessionCreateRequestParam{
		Type:  "realtime",
		Model: realtime.RealtimeSessionCreateRequestModel(model),
		Audio: realtime.RealtimeAudioConfigParam{
			Input: input,
			Output: realtime.RealtimeAudioConfigOutputParam{
				Format: pcm,
				Voice:  realtime.RealtimeAudioConfigOutputVoice(voice),
			},
		},
		Tools: toolsParam(opts.Tools),
	}
	if opts.Instructions != "" {
		session.Instructions = param.NewOpt(opts.Instructions)
	}
	if opts.MaxOutputTokens > 0 {
		session.MaxOutputTokens = realtime.RealtimeSessionCreateRequestMaxOutputTokensUnionParam{
			OfInt: param.NewOpt(opts.MaxOutputTokens),
		}
	}
	if opts.Temperature > 0 {
		session.SetExtraFields(map[string]any{"temperature": opts.Temperature})
	}
	return session
}

func turnDetectionParam(td transport.TurnDetection) (realtime.RealtimeAudioInputTurnDetectionUnionParam, bool) {
	switch td.Type {
	case "semantic_vad":
		semantic := realtime.RealtimeAudioInputTurnDetectionSemanticVadParam{
			Type:              "semantic_vad",
			CreateResponse:    param.NewOpt(td.CreateResponse),
			InterruptResponse: param.NewOpt(td.InterruptResponse),
		}
		if td.Eagerness != "" {
			semantic.Eagerness = td.Eagerness
		}
		return realtime.RealtimeAudioInputTurnDetectionUnionParam{OfSemanticVad: &semantic}, true
	case "server_vad":
		server := realtime.RealtimeAudioInputTurnDetectionServerVadParam{
			Type:              "server_vad",
			CreateResponse:    param.NewOpt(td.CreateResponse),
			InterruptResponse: param.NewOpt(td.InterruptResponse),
		}
		if td.Threshold > 0 {
			server.Threshold = param.NewOpt(td.Threshold)
		}
		if td.PrefixPaddingMs > 0 {
			server.PrefixPaddingMs = param.NewOpt(td.PrefixPaddingMs)
		}
		if td.SilenceDurationMs > 0 {
			server.SilenceDurationMs = param.NewOpt(td.SilenceDurationMs)
		}
		return realtime.RealtimeAudioInputTurnDetectionUnionParam{OfServerVad: &server}, true
	default:
		return realtime.RealtimeAudioInputTurnDetectionUnionParam{}, false
	}
}

func toolsParam(tools []transport.Tool) realtime.RealtimeToolsConfigParam {
	if len(tools) == 0 {
		return nil
	}
	out := make(realtime.RealtimeToolsConfigParam, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, realtime.RealtimeToolsConfigUnionParam{
			OfFunction: &realtime.RealtimeFunctionToolParam{
				Name:        param.NewOpt(t.Name),
				Description: param.NewOpt(t.Description),
				Parameters:  params,
				Type:        "function",
			},
		})
	}
	return out
}

// sessionUpdate wraps the session param in a client event. The param is
// marshaled with its own MarshalJSON so extra fields survive.
func sessionUpdate(opts transport.SessionOptions) (map[string]any, error) {
	raw, err := SessionParam(opts).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling session config: %w", err)
	}
	var session map[string]any
	if err := sonic.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decoding session config: %w", err)
	}
	return map[string]any{
		"type":    ClientEventTypeSessionUpdate,
		"session": session,
	}, nil
}
