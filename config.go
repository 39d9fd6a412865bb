package realtime

import (
	"fmt"
	"os"
	"time"

	"github.com/bt-bridge/realtime-session/audio"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/token"
	"github.com/bt-bridge/realtime-session/transport"
	"github.com/bt-bridge/realtime-session/transport/framed"
	"github.com/bt-bridge/realtime-session/transport/openai"
	"github.com/goccy/go-yaml"
)

const DefaultPersistDrainTimeout = 2 * time.Second

type OpenAIConfig struct {
	URL              string        `yaml:"url"`
	APIKey           string        `yaml:"-"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type FramedConfig struct {
	TokenURL          string        `yaml:"token_url"`
	TokenAPIKey       string        `yaml:"-"`
	AgentID           string        `yaml:"agent_id"`
	Origin            string        `yaml:"origin"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	QuietWindow       time.Duration `yaml:"quiet_window"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// Config is everything a session negotiates or needs to connect. Secrets are
// never read from or written to YAML.
type Config struct {
	Backend        transport.Backend `yaml:"backend"`
	ConversationID string            `yaml:"conversation_id"`

	Model           string                  `yaml:"model"`
	Voice           string                  `yaml:"voice"`
	Instructions    string                  `yaml:"instructions"`
	Temperature     float64                 `yaml:"temperature"`
	MaxOutputTokens int64                   `yaml:"max_output_tokens"`
	TurnDetection   transport.TurnDetection `yaml:"turn_detection"`

	Audio     audio.Config              `yaml:"audio"`
	Reconnect transport.ReconnectPolicy `yaml:"reconnect"`

	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	PersistDrainTimeout time.Duration `yaml:"persist_drain_timeout"`

	OpenAI OpenAIConfig `yaml:"openai"`
	Framed FramedConfig `yaml:"framed"`
}

func DefaultConfig() Config {
	return Config{
		Backend: transport.BackendOpenAI,
		Model:   openai.DefaultModel,
		Voice:   openai.DefaultVoice,
		TurnDetection: transport.TurnDetection{
			Type:              "semantic_vad",
			Eagerness:         "auto",
			CreateResponse:    true,
			InterruptResponse: true,
		},
		Audio: audio.Config{
			SampleRate:   audio.DefaultSampleRate,
			BlockSize:    audio.FrameSamples(audio.DefaultBlockDuration, audio.DefaultSampleRate, 1),
			WaveformSize: audio.DefaultWaveformSize,
		},
		Reconnect:           transport.DefaultReconnectPolicy(),
		ToolTimeout:         30 * time.Second,
		PersistDrainTimeout: DefaultPersistDrainTimeout,
		OpenAI: OpenAIConfig{
			URL:              openai.DefaultURL,
			HandshakeTimeout: openai.DefaultHandshakeTimeout,
		},
		Framed: FramedConfig{
			Origin:            "cli",
			HandshakeTimeout:  framed.DefaultHandshakeTimeout,
			QuietWindow:       framed.DefaultQuietWindow,
			KeepaliveInterval: framed.DefaultKeepaliveInterval,
		},
	}
}

// LoadConfig reads YAML over DefaultConfig, so omitted keys keep defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &shared.ConfigurationError{Reason: "invalid config YAML", Err: err}
	}
	return cfg, nil
}

// YAML renders the config for display. Secrets are omitted.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c Config) Validate() error {
	switch c.Backend {
	case transport.BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return &shared.ConfigurationError{Reason: "openai backend needs an API key", Err: shared.ErrNoAPIKey}
		}
	case transport.BackendFramed:
		if c.Framed.TokenURL == "" {
			return &shared.ConfigurationError{Reason: "framed backend needs a token URL"}
		}
		if c.Framed.AgentID == "" {
			return &shared.ConfigurationError{Reason: "framed backend needs an agent id"}
		}
	default:
		return &shared.ConfigurationError{Reason: fmt.Sprintf("unknown backend %q", c.Backend)}
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return &shared.ConfigurationError{Reason: fmt.Sprintf("temperature %.2f out of range", c.Temperature)}
	}
	if c.MaxOutputTokens < 0 {
		return &shared.ConfigurationError{Reason: "max_output_tokens cannot be negative"}
	}
	switch c.TurnDetection.Type {
	case "", "server_vad", "semantic_vad":
	default:
		return &shared.ConfigurationError{Reason: fmt.Sprintf("unknown turn detection %q", c.TurnDetection.Type)}
	}
	return nil
}

// SessionOptions is the negotiated subset sent to the backend.
func (c Config) SessionOptions(tools []transport.Tool) transport.SessionOptions {
	return transport.SessionOptions{
		Model:           c.Model,
		Voice:           c.Voice,
		Instructions:    c.Instructions,
		Temperature:     c.Temperature,
		MaxOutputTokens: c.MaxOutputTokens,
		SampleRate:      c.Audio.SampleRate,
		TurnDetection:   c.TurnDetection,
		Tools:           tools,
	}
}

// AdapterFactory builds the adapter for cfg.Backend.
type AdapterFactory func(cfg Config, tools []transport.Tool, logger shared.LoggerAdapter) (transport.Adapter, error)

// NewAdapter selects the adapter implementation by backend tag.
func NewAdapter(cfg Config, tools []transport.Tool, logger shared.LoggerAdapter) (transport.Adapter, error) {
	switch cfg.Backend {
	case transport.BackendOpenAI:
		return openai.New(openai.Options{
			URL:              cfg.OpenAI.URL,
			APIKey:           cfg.OpenAI.APIKey,
			Session:          cfg.SessionOptions(tools),
			Reconnect:        cfg.Reconnect,
			HandshakeTimeout: cfg.OpenAI.HandshakeTimeout,
		}, logger)
	case transport.BackendFramed:
		issuer, err := token.NewClient(cfg.Framed.TokenURL, cfg.Framed.TokenAPIKey, logger)
		if err != nil {
			return nil, err
		}
		return framed.New(framed.Options{
			Issuer:            issuer,
			AgentID:           cfg.Framed.AgentID,
			ConversationID:    cfg.ConversationID,
			Origin:            cfg.Framed.Origin,
			HandshakeTimeout:  cfg.Framed.HandshakeTimeout,
			QuietWindow:       cfg.Framed.QuietWindow,
			KeepaliveInterval: cfg.Framed.KeepaliveInterval,
			Reconnect:         cfg.Reconnect,
		}, logger)
	default:
		return nil, &shared.ConfigurationError{Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}
