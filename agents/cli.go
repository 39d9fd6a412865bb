package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	realtime "github.com/bt-bridge/realtime-session"
	"github.com/bt-bridge/realtime-session/audio/device"
	"github.com/bt-bridge/realtime-session/codec"
	"github.com/bt-bridge/realtime-session/codec/opus"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/store/sqlite"
	"github.com/bt-bridge/realtime-session/toolbridge"
	"github.com/bt-bridge/realtime-session/transport"
	"go.uber.org/zap"
)

const DefaultPreset = "default"

// BuiltinPresets is used when no presets file is given.
var BuiltinPresets = toolbridge.Presets{
	DefaultPreset: {
		{
			Name:        "get_current_time",
			Description: "Returns the current local date and time.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	},
}

// BuiltinTools registers the executors behind BuiltinPresets.
func BuiltinTools() *toolbridge.Registry {
	r := toolbridge.NewRegistry()
	r.Register("get_current_time", func(context.Context, map[string]any) (any, error) {
		now := time.Now()
		return map[string]any{
			"time":     now.Format(time.RFC3339),
			"timezone": now.Location().String(),
		}, nil
	})
	return r
}

// CLIOptions locates the files the CLI agent works with. Empty paths fall
// back to built-in presets and no persistence.
type CLIOptions struct {
	Preset       string
	PresetsPath  string
	DatabasePath string
}

var _ realtime.TurnSink = (*sqlite.Store)(nil)
var _ realtime.SessionRecorder = (*sqlite.Store)(nil)

type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	session *realtime.Session
	store   *sqlite.Store

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

// Spawn opens the devices and the store, starts the session and begins
// rendering its notifications. The returned channel closes when the session
// can no longer continue.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg realtime.Config,
	opts CLIOptions,
	printer *shared.Printer,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a.logger = logger
	a.printer = printer
	a.done = make(chan struct{})
	a.say("🤖 Spawning CLI agent...\n", 0)

	a.say("📋 Session Config\n", 0)
	if out, err := cfg.YAML(); err != nil {
		a.logger.Error("marshaling session config to yaml", err)
	} else {
		a.say(string(out), 1)
	}

	presets := BuiltinPresets
	if opts.PresetsPath != "" {
		loaded, err := toolbridge.LoadPresets(opts.PresetsPath)
		if err != nil {
			a.logger.Error("loading presets", err, zap.String("path", opts.PresetsPath))
			return nil, &shared.ConfigurationError{Reason: "invalid presets file", Err: err}
		}
		presets = loaded
	}
	preset := opts.Preset
	if preset == "" {
		preset = DefaultPreset
	}

	deps := realtime.Dependencies{
		Catalog:    presets,
		Executor:   BuiltinTools(),
		Microphone: device.NewMicrophone(logger),
		NewCodec:   newCodec,
	}
	if opts.DatabasePath != "" {
		st, err := sqlite.Open(opts.DatabasePath, logger)
		if err != nil {
			a.logger.Error("opening store", err, zap.String("path", opts.DatabasePath))
			return nil, err
		}
		a.store = st
		deps.Sink = st
		deps.Recorder = st
		deps.ExecutionLog = st
	}

	a.say("\n🔈 Opening speaker...", 0)
	speaker, err := device.NewSpeaker(cfg.Audio.SampleRate, logger)
	if err != nil {
		a.logger.Error("opening speaker", err)
		a.closeStore()
		return nil, err
	}
	deps.Speaker = speaker

	a.session, err = realtime.NewSession(deps, logger)
	if err != nil {
		_ = speaker.Close()
		a.closeStore()
		return nil, err
	}

	a.say("🎤 Accessing microphone and connecting...", 0)
	if err := a.session.Start(ctx, cfg, preset); err != nil {
		a.explain(err)
		a.closeStore()
		return nil, err
	}
	a.say("✅ Connected. Press Enter to toggle the microphone, i to interrupt, q to quit.\n", 0)

	go a.render(ctx)
	return a.done, nil
}

// newCodec picks Opus for the framed backend and raw PCM otherwise.
func newCodec(cfg realtime.Config) (codec.Codec, error) {
	if cfg.Backend == transport.BackendFramed {
		return opus.New(cfg.Audio.SampleRate)
	}
	return realtime.DefaultCodec(cfg)
}

func (a *CLIAgent) ToggleMicrophone(ctx context.Context) {
	if a.session.ToggleCapture(ctx) {
		a.say("🎙️  microphone on", 0)
		return
	}
	a.say("🔇 microphone off", 0)
}

func (a *CLIAgent) Interrupt() {
	a.session.Interrupt()
}

func (a *CLIAgent) Done() <-chan struct{} { return a.done }

func (a *CLIAgent) render(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case err := <-a.session.Errors():
			a.explain(err)
			go a.Close()
		case n := <-a.session.Notifications():
			a.show(n)
		}
	}
}

func (a *CLIAgent) show(n realtime.Notification) {
	switch n := n.(type) {
	case realtime.StateChanged:
		a.logger.Debug("agent state", zap.Stringer("state", n.To))
	case realtime.TranscriptUpdated:
		label := "🧑 you"
		if n.Role == transport.RoleAssistant {
			label = "🤖 assistant"
		}
		line := fmt.Sprintf("%s: %s", label, n.Text)
		if n.Final {
			a.say(line, 1)
			return
		}
		a.mu.Lock()
		err := a.printer.Live(line, 1)
		a.mu.Unlock()
		if err != nil {
			a.logger.Error("printing live transcript", err)
		}
	case realtime.ToolCompleted:
		status := "✅"
		if n.Result.Err != nil {
			status = "⚠️ "
		}
		a.say(fmt.Sprintf("%s tool %s (%s)", status, n.Result.Invocation.Name, n.Result.Duration.Round(time.Millisecond)), 1)
	case realtime.ConnectionChanged:
		switch {
		case n.Connected:
			a.say("🔌 connected", 0)
		case n.Terminal:
			a.say("❌ connection closed: "+n.Reason, 0)
		default:
			a.say("🔄 connection lost, reconnecting...", 0)
		}
	case realtime.BackendError:
		a.say("⚠️  backend: "+n.Message, 0)
	case realtime.TurnPersisted:
		if n.Err != nil {
			a.logger.Warn("turn not saved", zap.String("turnId", n.Turn.ID), zap.Error(n.Err))
		}
	}
}

// explain prints a user-facing message for the error taxonomy.
func (a *CLIAgent) explain(err error) {
	var (
		mediaErr *shared.MediaAccessError
		cfgErr   *shared.ConfigurationError
	)
	switch {
	case errors.As(err, &mediaErr):
		a.say("❌ "+mediaErr.Error(), 0)
	case errors.As(err, &cfgErr):
		a.say("❌ configuration: "+cfgErr.Error(), 0)
	case shared.IsHandshakeFailure(err):
		a.say("❌ the backend did not answer in time, try the other backend", 0)
	default:
		a.say("❌ "+err.Error(), 0)
	}
}

func (a *CLIAgent) say(s string, ind int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *CLIAgent) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store", err)
	}
	a.store = nil
}

// Close ends the session and releases the store. It is safe to call more
// than once.
func (a *CLIAgent) Close() error {
	a.closeOnce.Do(func() {
		if a.session != nil {
			a.session.End()
		}
		a.closeStore()
		a.say("👋 session ended", 0)
		close(a.done)
	})
	return nil
}
