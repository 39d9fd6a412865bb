package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/audio"
	"github.com/bt-bridge/realtime-session/codec"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/toolbridge"
	"github.com/bt-bridge/realtime-session/transcript"
	"github.com/bt-bridge/realtime-session/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	notificationBuffer = 256
	errorBuffer        = 8
	persistTimeout     = 5 * time.Second
)

// TurnSink stores completed turns.
type TurnSink interface {
	SaveTurn(ctx context.Context, conversationID string, t transcript.Turn) error
}

// SessionRecorder keeps the external conversation record.
type SessionRecorder interface {
	StartConversation(ctx context.Context, conversationID string, backend transport.Backend, at time.Time) error
	EndConversation(ctx context.Context, conversationID string, at time.Time) error
}

type CodecFactory func(cfg Config) (codec.Codec, error)

// DefaultCodec covers the raw PCM backend. The framed backend needs a
// compressed codec supplied by the caller.
func DefaultCodec(cfg Config) (codec.Codec, error) {
	if cfg.Backend == transport.BackendFramed {
		return nil, &shared.ConfigurationError{Reason: "framed backend needs a compressed codec"}
	}
	return codec.NewPCM16(cfg.Audio.SampleRate), nil
}

// Dependencies are the collaborators a Session drives. Sink, Recorder and
// ExecutionLog are optional.
type Dependencies struct {
	Catalog      toolbridge.CatalogLoader
	Executor     toolbridge.Executor
	Microphone   audio.Microphone
	Speaker      audio.Speaker
	Sink         TurnSink
	Recorder     SessionRecorder
	ExecutionLog toolbridge.ExecutionLog
	NewAdapter   AdapterFactory
	NewCodec     CodecFactory
}

// run holds the resources of one started session.
type run struct {
	cfg         Config
	catalog     *toolbridge.Catalog
	adapter     transport.Adapter
	unsubscribe func()
	pipeline    *audio.Pipeline
	codec       *codec.Bridge
	assembler   *transcript.Assembler
	tools       *toolbridge.Worker
	queue       *eventQueue
	persist     sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// Session is the controller for one live conversation. Start and End may be
// called repeatedly; at most one conversation is active at a time.
type Session struct {
	deps   Dependencies
	logger shared.LoggerAdapter

	notifications chan Notification
	errs          chan error

	mu       sync.Mutex
	cfg      Config
	run      *run
	starting bool
	ending   chan struct{}
	state    AgentState
	// epoch advances on every interrupt; tool results dispatched in an
	// older epoch are stale.
	epoch uint64
	muted bool
}

func NewSession(deps Dependencies, logger shared.LoggerAdapter) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if deps.NewAdapter == nil {
		deps.NewAdapter = NewAdapter
	}
	if deps.NewCodec == nil {
		deps.NewCodec = DefaultCodec
	}
	return &Session{
		deps:          deps,
		logger:        logger.With(zap.String("component", "session")),
		notifications: make(chan Notification, notificationBuffer),
		errs:          make(chan error, errorBuffer),
		cfg:           DefaultConfig(),
	}, nil
}

// Notifications yields state, transcript, tool and connection updates. It is
// never closed. Updates are dropped when the receiver falls behind.
func (s *Session) Notifications() <-chan Notification { return s.notifications }

// Errors yields fatal errors, such as a connection that could not be
// restored. It is never closed.
func (s *Session) Errors() <-chan error { return s.errs }

func (s *Session) State() AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start resolves the preset's tools, builds the adapter and audio pipeline,
// and connects. On failure every acquired resource is released before the
// error is returned.
func (s *Session) Start(ctx context.Context, cfg Config, presetID string) error {
	s.mu.Lock()
	if s.run != nil || s.starting || s.ending != nil {
		s.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = uuid.NewString()
	}
	logger := s.logger.With(zap.String("conversationId", cfg.ConversationID), zap.String("backend", string(cfg.Backend)))

	catalog, err := s.resolveCatalog(ctx, presetID)
	if err != nil {
		return err
	}
	adapter, err := s.deps.NewAdapter(cfg, catalog.Tools(), logger)
	if err != nil {
		return fmt.Errorf("creating adapter: %w", err)
	}
	if !adapter.SupportsTools() && catalog.Len() > 0 {
		logger.Warn("backend has no function calling, tools will not be offered", zap.Int("tools", catalog.Len()))
	}
	c, err := s.deps.NewCodec(cfg)
	if err != nil {
		_ = adapter.Disconnect()
		return fmt.Errorf("creating codec: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		cfg:       cfg,
		catalog:   catalog,
		adapter:   adapter,
		pipeline:  audio.NewPipeline(cfg.Audio, s.deps.Microphone, s.deps.Speaker, logger),
		assembler: transcript.NewAssembler(),
		queue:     newEventQueue(),
		ctx:       runCtx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
	}
	r.codec = codec.NewBridge(c, logger,
		func(packet []byte) {
			if err := r.adapter.SendAudio(packet); err != nil {
				logger.Trace("dropping capture packet", zap.Error(err))
			}
		},
		func(pcm []int16) { s.playDecoded(r, pcm) },
	)
	bridge := toolbridge.New(catalog, s.deps.Executor, adapter, toolbridge.Options{
		Timeout: cfg.ToolTimeout,
		Log:     s.deps.ExecutionLog,
		Logger:  logger,
	})
	r.tools = toolbridge.NewWorker(bridge, func(res toolbridge.Result, epoch uint64) { s.toolDone(r, res, epoch) })
	r.unsubscribe = adapter.Subscribe(r.queue.push)
	go s.loop(r)

	if err := r.pipeline.Init(ctx); err != nil {
		logger.Error("initializing audio", err)
		s.release(r)
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		logger.Error("connecting", err)
		s.release(r)
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.run = r
	s.epoch++
	s.muted = false
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if rec := s.deps.Recorder; rec != nil {
		if err := rec.StartConversation(ctx, cfg.ConversationID, cfg.Backend, time.Now()); err != nil {
			logger.Error("recording conversation start", err)
		}
	}
	logger.Info("session started", zap.String("preset", presetID), zap.Int("tools", catalog.Len()))
	return nil
}

func (s *Session) resolveCatalog(ctx context.Context, presetID string) (*toolbridge.Catalog, error) {
	if presetID == "" {
		return nil, &shared.ConfigurationError{Reason: "no preset selected", Err: shared.ErrNoPreset}
	}
	if s.deps.Catalog == nil {
		return nil, &shared.ConfigurationError{Reason: "no tool catalog loader", Err: shared.ErrNoPreset}
	}
	tools, err := s.deps.Catalog.LoadCatalog(ctx, presetID)
	if err != nil {
		var cfgErr *shared.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, &shared.ConfigurationError{Reason: fmt.Sprintf("loading preset %q", presetID), Err: err}
	}
	return toolbridge.NewCatalog(tools), nil
}

// ToggleCapture flips microphone capture and reports whether capture is on
// afterwards.
func (s *Session) ToggleCapture(ctx context.Context) bool {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		s.logger.Warn("capture toggled without a session")
		return false
	}
	return s.SetCapture(ctx, !r.pipeline.Capturing())
}

// SetCapture starts or stops capture. It is a no-op when capture is already
// in the requested state and refuses, with a log line, to start before the
// transport is connected.
func (s *Session) SetCapture(ctx context.Context, on bool) bool {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		s.logger.Warn("capture requested without a session")
		return false
	}
	if on == r.pipeline.Capturing() {
		return on
	}
	if !on {
		s.stopCapture(r)
		return false
	}
	if !r.adapter.IsConnected() {
		s.logger.Warn("capture requested before transport is ready")
		return false
	}
	if err := r.pipeline.Init(ctx); err != nil {
		s.logger.Error("initializing audio", err)
		return false
	}
	err := r.pipeline.StartCapture(func(frame []int16) {
		if err := r.codec.Encode(frame); err != nil {
			s.logger.Trace("dropping capture frame", zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Error("starting capture", err)
		return false
	}
	s.speechStarted("capture")
	return true
}

func (s *Session) stopCapture(r *run) {
	r.pipeline.StopCapture()
	manual := r.cfg.TurnDetection.Type == ""
	r.codec.Flush(func() {
		if !manual {
			return
		}
		// without backend turn detection the turn ends when capture does
		if err := r.adapter.CommitAudio(); err != nil {
			s.logger.Error("committing audio", err)
			return
		}
		if err := r.adapter.RequestResponse(); err != nil {
			s.logger.Error("requesting response", err)
		}
	})
	s.mu.Lock()
	if s.state == StateListening {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()
}

// speechStarted moves to Listening, interrupting the assistant first when it
// holds the floor.
func (s *Session) speechStarted(source string) {
	s.mu.Lock()
	generating := s.state.generating()
	s.mu.Unlock()
	if generating {
		s.logger.Info("barge-in", zap.String("source", source))
		s.Interrupt()
	}
	s.mu.Lock()
	if s.state == StateInterrupted {
		s.setStateLocked(StateIdle)
	}
	s.setStateLocked(StateListening)
	s.mu.Unlock()
}

// Interrupt cancels the response in flight, silences playback, clears both
// transcript buffers and moves to Interrupted. It may be called from any
// state; repeated calls are harmless.
func (s *Session) Interrupt() {
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return
	}
	already := s.state == StateInterrupted
	s.setStateLocked(StateInterrupted)
	s.epoch++
	s.muted = true
	s.mu.Unlock()

	r.codec.ResetDecode()
	r.pipeline.StopPlayback()
	r.assembler.Reset()
	if already {
		return
	}
	if err := r.adapter.CancelResponse(); err != nil {
		s.logger.Debug("cancelling response", zap.Error(err))
	}
}

// Reconfigure replaces the negotiated parameters. A running session pushes
// them to the backend; otherwise they are kept for the next Start.
func (s *Session) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	r := s.run
	if r != nil {
		if cfg.Backend != r.cfg.Backend {
			s.logger.Warn("backend change applies on next start",
				zap.String("current", string(r.cfg.Backend)),
				zap.String("requested", string(cfg.Backend)),
			)
		}
		cfg.ConversationID = r.cfg.ConversationID
		r.cfg.TurnDetection = cfg.TurnDetection
	}
	s.cfg = cfg
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	if err := r.adapter.UpdateSession(cfg.SessionOptions(r.catalog.Tools())); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	s.logger.Info("session reconfigured", zap.String("model", cfg.Model), zap.String("voice", cfg.Voice))
	return nil
}

// SendSystemText injects out-of-band context into the conversation.
func (s *Session) SendSystemText(text string) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return shared.ErrSessionNotRunning
	}
	return r.adapter.SendSystemText(text)
}

// Telemetry streams waveform and volume samples until ctx ends. Before Start
// the channel is closed immediately.
func (s *Session) Telemetry(ctx context.Context) <-chan audio.TelemetrySample {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		out := make(chan audio.TelemetrySample)
		close(out)
		return out
	}
	return r.pipeline.Telemetry(ctx)
}

// End stops capture, disconnects, releases audio and marks the conversation
// ended, in that order. Concurrent callers wait for the one cleanup in
// flight. It never fails; problems are logged.
func (s *Session) End() {
	s.mu.Lock()
	if done := s.ending; done != nil {
		s.mu.Unlock()
		<-done
		return
	}
	r := s.run
	if r == nil {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.ending = done
	s.mu.Unlock()

	s.release(r)
	if rec := s.deps.Recorder; rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := rec.EndConversation(ctx, r.cfg.ConversationID, time.Now()); err != nil {
			s.logger.Error("recording conversation end", err)
		}
		cancel()
	}

	s.mu.Lock()
	s.run = nil
	s.ending = nil
	s.setStateLocked(StateIdle)
	s.mu.Unlock()
	close(done)
	s.logger.Info("session ended", zap.String("conversationId", r.cfg.ConversationID))
}

// release tears down r. It is used by End and by a failed Start.
func (s *Session) release(r *run) {
	r.pipeline.StopCapture()
	r.unsubscribe()
	if err := r.adapter.Disconnect(); err != nil {
		s.logger.Error("disconnecting", err)
	}
	r.cancel()
	r.tools.Close()
	<-r.loopDone
	r.pipeline.Close()
	if err := r.codec.Close(); err != nil {
		s.logger.Error("closing codec", err)
	}

	timeout := r.cfg.PersistDrainTimeout
	if timeout <= 0 {
		timeout = DefaultPersistDrainTimeout
	}
	drained := make(chan struct{})
	go func() {
		r.persist.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(timeout):
		s.logger.Warn("persistence still pending at teardown", zap.Duration("waited", timeout))
	}
}

func (s *Session) setStateLocked(to AgentState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	s.notify(StateChanged{From: from, To: to, At: time.Now()})
}

func (s *Session) notify(n Notification) {
	select {
	case s.notifications <- n:
	default:
		s.logger.Warn("notification dropped", zap.String("type", fmt.Sprintf("%T", n)))
	}
}

func (s *Session) fail(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Error("error channel full", err)
	}
}

// playDecoded enqueues under the session lock so an Interrupt either sees
// the item in the queue or the item sees the interrupt.
func (s *Session) playDecoded(r *run, pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted || s.run != r {
		return
	}
	r.pipeline.Enqueue(pcm)
}

func (s *Session) toolDone(r *run, res toolbridge.Result, epoch uint64) {
	s.mu.Lock()
	stale := epoch != s.epoch || s.run != r
	s.mu.Unlock()
	if res.Err != nil {
		s.logger.Warn("tool call failed", zap.String("tool", res.Invocation.Name), zap.Error(res.Err))
	}
	s.notify(ToolCompleted{Result: res, Stale: stale})
}

func (s *Session) persistTurn(r *run, t transcript.Turn) {
	sink := s.deps.Sink
	if sink == nil {
		return
	}
	r.persist.Add(1)
	go func() {
		defer r.persist.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		err := sink.SaveTurn(ctx, r.cfg.ConversationID, t)
		if err != nil {
			s.logger.Error("persisting turn", err, zap.String("turnId", t.ID))
		}
		s.notify(TurnPersisted{Turn: t, Err: err})
	}()
}
