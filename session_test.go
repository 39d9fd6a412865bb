package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-session/audio"
	"github.com/bt-bridge/realtime-session/codec"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/toolbridge"
	"github.com/bt-bridge/realtime-session/transcript"
	"github.com/bt-bridge/realtime-session/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op   string
	id   string
	data any
}

type fakeAdapter struct {
	hub        transport.Hub
	tools      bool
	connectErr error

	mu          sync.Mutex
	connected   bool
	calls       []call
	disconnects int
	audio       [][]byte
}

var _ transport.Adapter = (*fakeAdapter)(nil)

func (a *fakeAdapter) record(op, id string, data any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call{op: op, id: id, data: data})
	return nil
}

func (a *fakeAdapter) ops(op string) []call {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []call
	for _, c := range a.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (a *fakeAdapter) opNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.calls {
		out = append(out, c.op)
	}
	return out
}

func (a *fakeAdapter) Backend() transport.Backend { return transport.BackendOpenAI }

func (a *fakeAdapter) Connect(context.Context) error {
	if a.connectErr != nil {
		return a.connectErr
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.hub.Emit(transport.Connected{})
	return nil
}

func (a *fakeAdapter) Reconnect(ctx context.Context) error { return a.Connect(ctx) }

func (a *fakeAdapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.disconnects++
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *fakeAdapter) SendAudio(frame []byte) error {
	a.mu.Lock()
	a.audio = append(a.audio, frame)
	a.mu.Unlock()
	return a.record("audio", "", len(frame))
}

func (a *fakeAdapter) CommitAudio() error      { return a.record("commit", "", nil) }
func (a *fakeAdapter) ClearAudioBuffer() error { return a.record("clear", "", nil) }
func (a *fakeAdapter) SendToolResult(id string, output any) error {
	return a.record("result", id, output)
}
func (a *fakeAdapter) SendSystemText(text string) error { return a.record("system", "", text) }
func (a *fakeAdapter) CancelResponse() error            { return a.record("cancel", "", nil) }
func (a *fakeAdapter) RequestResponse() error           { return a.record("response", "", nil) }
func (a *fakeAdapter) UpdateSession(opts transport.SessionOptions) error {
	return a.record("update", "", opts)
}
func (a *fakeAdapter) SupportsTools() bool { return a.tools }
func (a *fakeAdapter) Subscribe(h transport.Handler) func() {
	return a.hub.Subscribe(h)
}

func (a *fakeAdapter) emit(e transport.Event) { a.hub.Emit(e) }

type fakeStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) ReadSamples(buf []float32) (int, error) {
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}
	for i := range buf {
		buf[i] = 0.25
	}
	return len(buf), nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMic struct {
	err    error
	stream *fakeStream
}

func (m *fakeMic) Open(context.Context, int) (audio.SampleReader, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.stream = &fakeStream{}
	return m.stream, nil
}

// blockingSpeaker holds every item until its context ends.
type blockingSpeaker struct {
	mu        sync.Mutex
	started   int
	cancelled int
	closed    bool
}

func (s *blockingSpeaker) Play(ctx context.Context, _ []int16) error {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
	<-ctx.Done()
	s.mu.Lock()
	s.cancelled++
	s.mu.Unlock()
	return ctx.Err()
}

func (s *blockingSpeaker) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *blockingSpeaker) counts() (started, cancelled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.cancelled
}

type memorySink struct {
	mu    sync.Mutex
	turns []transcript.Turn
}

func (m *memorySink) SaveTurn(_ context.Context, _ string, t transcript.Turn) error {
	m.mu.Lock()
	m.turns = append(m.turns, t)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) saved() []transcript.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transcript.Turn(nil), m.turns...)
}

type memoryRecorder struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (m *memoryRecorder) StartConversation(_ context.Context, id string, _ transport.Backend, _ time.Time) error {
	m.mu.Lock()
	m.started = append(m.started, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryRecorder) EndConversation(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	m.ended = append(m.ended, id)
	m.mu.Unlock()
	return nil
}

type harness struct {
	session  *Session
	adapter  *fakeAdapter
	mic      *fakeMic
	speaker  *blockingSpeaker
	sink     *memorySink
	recorder *memoryRecorder
	adapters int
	registry *toolbridge.Registry
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.ConversationID = "conv-1"
	cfg.Audio = audio.Config{SampleRate: 24000, BlockSize: 480, WaveformSize: 32}
	cfg.PersistDrainTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		adapter:  &fakeAdapter{tools: true},
		mic:      &fakeMic{},
		speaker:  &blockingSpeaker{},
		sink:     &memorySink{},
		recorder: &memoryRecorder{},
		registry: toolbridge.NewRegistry(),
	}
	presets := toolbridge.Presets{
		"default": {{Name: "get_time", Description: "Current time"}},
		"empty":   {},
	}
	s, err := NewSession(Dependencies{
		Catalog:    presets,
		Executor:   h.registry,
		Microphone: h.mic,
		Speaker:    h.speaker,
		Sink:       h.sink,
		Recorder:   h.recorder,
		NewAdapter: func(Config, []transport.Tool, shared.LoggerAdapter) (transport.Adapter, error) {
			h.adapters++
			return h.adapter, nil
		},
	}, shared.NewNopLogger())
	require.NoError(t, err)
	h.session = s
	t.Cleanup(s.End)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background(), testConfig(), "default"))
	require.Eventually(t, func() bool { return h.session.State() == StateIdle }, time.Second, time.Millisecond)
}

func waitState(t *testing.T, s *Session, want AgentState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, time.Second, time.Millisecond,
		"state is %s, want %s", s.State(), want)
}

func pcmDelta(samples int) transport.AudioDelta {
	return transport.AudioDelta{Data: codec.Int16ToBytes(make([]int16, samples))}
}

func TestStartWithoutPresetIsConfigurationError(t *testing.T) {
	h := newHarness(t)

	err := h.session.Start(context.Background(), testConfig(), "")
	var cfgErr *shared.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, shared.ErrNoPreset)

	err = h.session.Start(context.Background(), testConfig(), "missing")
	require.ErrorAs(t, err, &cfgErr)

	assert.Zero(t, h.adapters)
	assert.False(t, h.session.Running())
}

func TestStartReleasesResourcesOnMediaError(t *testing.T) {
	h := newHarness(t)
	h.mic.err = &shared.MediaAccessError{Reason: shared.MediaPermissionDenied}

	err := h.session.Start(context.Background(), testConfig(), "default")
	var mediaErr *shared.MediaAccessError
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, shared.MediaPermissionDenied, mediaErr.Reason)

	assert.False(t, h.session.Running())
	assert.Equal(t, 1, h.adapter.disconnects)
	assert.True(t, h.speaker.closed)
	assert.Zero(t, h.adapter.hub.Len())
}

func TestStartReleasesResourcesOnConnectError(t *testing.T) {
	h := newHarness(t)
	h.adapter.connectErr = &shared.TransportError{Op: "dial", Err: errors.New("refused")}

	err := h.session.Start(context.Background(), testConfig(), "default")
	var tErr *shared.TransportError
	require.ErrorAs(t, err, &tErr)

	assert.False(t, h.session.Running())
	assert.True(t, h.mic.stream.isClosed())
	assert.True(t, h.speaker.closed)
	assert.Empty(t, h.recorder.started)

	h.adapter.connectErr = nil
	require.NoError(t, h.session.Start(context.Background(), testConfig(), "default"))
	assert.ErrorIs(t, h.session.Start(context.Background(), testConfig(), "default"), shared.ErrSessionAlreadyRunning)
}

func TestAssistantTurnIsPersistedOnce(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.adapter.emit(transport.TranscriptDelta{TurnID: "t1", Role: transport.RoleAssistant, Text: "Hel"})
	h.adapter.emit(transport.TranscriptDelta{TurnID: "t1", Role: transport.RoleAssistant, Text: "lo"})
	h.adapter.emit(transport.TranscriptDone{TurnID: "t1", Role: transport.RoleAssistant, Text: "Hello"})
	h.adapter.emit(transport.TranscriptDone{TurnID: "t1", Role: transport.RoleAssistant, Text: "Hello"})

	require.Eventually(t, func() bool { return len(h.sink.saved()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	saved := h.sink.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "t1", saved[0].ID)
	assert.Equal(t, transport.RoleAssistant, saved[0].Role)
	assert.Equal(t, "Hello", saved[0].Text)
}

func TestUnknownToolGetsOneStructuredResult(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.adapter.emit(transport.ToolCall{Invocation: transport.ToolInvocation{ID: "c1", Name: "lookup", RawArguments: "{}"}})

	require.Eventually(t, func() bool { return len(h.adapter.ops("response")) == 1 }, time.Second, time.Millisecond)
	results := h.adapter.ops("result")
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].id)
	assert.Equal(t, map[string]any{"error": toolbridge.UnknownToolMessage}, results[0].data)
	assert.Equal(t, []string{"result", "response"}, h.adapter.opNames())
}

func TestInterruptSilencesPlayback(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.adapter.emit(transport.AgentState{Hint: transport.HintThinking})
	h.adapter.emit(transport.AgentState{Hint: transport.HintSpeaking})
	for range 4 {
		h.adapter.emit(pcmDelta(480))
	}
	waitState(t, h.session, StateSpeaking)
	require.Eventually(t, func() bool {
		started, _ := h.speaker.counts()
		return started == 1 && h.session.run.pipeline.QueueLen() > 0
	}, time.Second, time.Millisecond)

	h.session.Interrupt()
	assert.Equal(t, StateInterrupted, h.session.State())
	assert.Zero(t, h.session.run.pipeline.QueueLen())
	require.Eventually(t, func() bool {
		_, cancelled := h.speaker.counts()
		return cancelled == 1
	}, time.Second, time.Millisecond)

	h.session.Interrupt()
	assert.Equal(t, StateInterrupted, h.session.State())
	assert.Len(t, h.adapter.ops("cancel"), 1)

	// output of the cancelled response never plays
	h.adapter.emit(pcmDelta(480))
	h.adapter.emit(transport.TranscriptDelta{TurnID: "a1", Role: transport.RoleAssistant, Text: "stale"})
	time.Sleep(20 * time.Millisecond)
	started, _ := h.speaker.counts()
	assert.Equal(t, 1, started)
	id, _ := h.session.run.assembler.Active(transport.RoleAssistant)
	assert.Empty(t, id)

	h.adapter.emit(transport.TurnCompleted{})
	waitState(t, h.session, StateIdle)
}

func TestBargeInInterruptsAndListens(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.adapter.emit(transport.AgentState{Hint: transport.HintThinking})
	h.adapter.emit(transport.AgentState{Hint: transport.HintSpeaking})
	waitState(t, h.session, StateSpeaking)

	h.adapter.emit(transport.AgentState{Hint: transport.HintListening})
	waitState(t, h.session, StateListening)
	assert.Len(t, h.adapter.ops("cancel"), 1)

	// a new response clears the interrupted one
	h.adapter.emit(transport.AgentState{Hint: transport.HintThinking})
	waitState(t, h.session, StateThinking)
}

func TestInterruptWithoutSessionIsNoop(t *testing.T) {
	h := newHarness(t)

	h.session.Interrupt()
	assert.Equal(t, StateIdle, h.session.State())
	assert.Zero(t, h.adapters)
	assert.Len(t, h.session.Notifications(), 0, "no state change is reported")

	h.start(t)
	h.adapter.emit(transport.AgentState{Hint: transport.HintSpeaking})
	waitState(t, h.session, StateSpeaking)
	assert.Empty(t, h.adapter.ops("cancel"))
}

func TestCaptureRequiresConnection(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.session.ToggleCapture(context.Background()))

	h.start(t)
	require.NoError(t, h.adapter.Disconnect())
	assert.False(t, h.session.SetCapture(context.Background(), true))
	assert.False(t, h.session.run.pipeline.Capturing())
}

func TestManualCommitWhenTurnDetectionDisabled(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.TurnDetection = transport.TurnDetection{}
	require.NoError(t, h.session.Start(context.Background(), cfg, "default"))

	assert.True(t, h.session.ToggleCapture(context.Background()))
	assert.True(t, h.session.SetCapture(context.Background(), true))
	assert.Equal(t, StateListening, h.session.State())
	require.Eventually(t, func() bool { return len(h.adapter.ops("audio")) >= 2 }, time.Second, time.Millisecond)

	assert.False(t, h.session.ToggleCapture(context.Background()))
	assert.Equal(t, StateIdle, h.session.State())
	require.Eventually(t, func() bool { return len(h.adapter.ops("response")) == 1 }, time.Second, time.Millisecond)

	names := h.adapter.opNames()
	commit := -1
	for i, n := range names {
		if n == "commit" {
			commit = i
		}
	}
	require.NotEqual(t, -1, commit)
	assert.Equal(t, "response", names[commit+1])
	for _, n := range names[commit:] {
		assert.NotEqual(t, "audio", n)
	}
}

func TestReconfigure(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.Voice = "verse"
	require.NoError(t, h.session.Reconfigure(cfg))
	assert.Equal(t, "verse", h.session.Config().Voice)
	assert.Empty(t, h.adapter.ops("update"))

	h.start(t)
	cfg.Instructions = "be brief"
	require.NoError(t, h.session.Reconfigure(cfg))
	updates := h.adapter.ops("update")
	require.Len(t, updates, 1)
	opts := updates[0].data.(transport.SessionOptions)
	assert.Equal(t, "be brief", opts.Instructions)
	require.Len(t, opts.Tools, 1)
	assert.Equal(t, "get_time", opts.Tools[0].Name)

	bad := testConfig()
	bad.Temperature = 5
	var cfgErr *shared.ConfigurationError
	assert.ErrorAs(t, h.session.Reconfigure(bad), &cfgErr)
}

func TestStaleToolResultIsStillDelivered(t *testing.T) {
	h := newHarness(t)
	running := make(chan struct{})
	release := make(chan struct{})
	h.registry.Register("get_time", func(ctx context.Context, _ map[string]any) (any, error) {
		close(running)
		<-release
		return "noon", nil
	})
	h.start(t)

	h.adapter.emit(transport.ToolCall{Invocation: transport.ToolInvocation{ID: "c9", Name: "get_time", RawArguments: "{}"}})
	select {
	case <-running:
	case <-time.After(time.Second):
		t.Fatal("tool never ran")
	}
	h.session.Interrupt()
	close(release)

	var done ToolCompleted
	require.Eventually(t, func() bool {
		for {
			select {
			case n := <-h.session.Notifications():
				if tc, ok := n.(ToolCompleted); ok {
					done = tc
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)
	assert.True(t, done.Stale)
	assert.Equal(t, "noon", done.Result.Output)
	require.Len(t, h.adapter.ops("result"), 1)
	assert.Equal(t, "noon", h.adapter.ops("result")[0].data)
}

func TestTerminalDisconnectSurfacesError(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.adapter.emit(transport.Disconnected{Reason: "gave up", Terminal: true})
	select {
	case err := <-h.session.Errors():
		var tErr *shared.TransportError
		require.ErrorAs(t, err, &tErr)
		assert.Contains(t, err.Error(), "gave up")
	case <-time.After(time.Second):
		t.Fatal("no error surfaced")
	}
	assert.Equal(t, StateIdle, h.session.State())
}

func TestEndIsSafeConcurrently(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.End()
		}()
	}
	wg.Wait()
	h.session.End()

	assert.False(t, h.session.Running())
	assert.Equal(t, 1, h.adapter.disconnects)
	assert.Equal(t, []string{"conv-1"}, h.recorder.started)
	assert.Equal(t, []string{"conv-1"}, h.recorder.ended)
	assert.True(t, h.speaker.closed)
	assert.True(t, h.mic.stream.isClosed())
	assert.Equal(t, StateIdle, h.session.State())
}

func TestAgentStateString(t *testing.T) {
	tests := map[AgentState]string{
		StateIdle:        "idle",
		StateListening:   "listening",
		StateThinking:    "thinking",
		StateSpeaking:    "speaking",
		StateInterrupted: "interrupted",
		AgentState(42):   "unknown",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}
