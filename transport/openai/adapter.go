// Package openai implements the streaming JSON event adapter: one websocket
// carrying JSON-tagged client and server events, with audio as base64 PCM.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/transport"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultURL              = "wss://api.openai.com/v1/realtime"
	DefaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
	maxLoggedPayload        = 512
)

type Options struct {
	URL              string
	APIKey           string
	Session          transport.SessionOptions
	Reconnect        transport.ReconnectPolicy
	HandshakeTimeout time.Duration
}

type Adapter struct {
	opts        Options
	logger      shared.LoggerAdapter
	hub         transport.Hub
	reconnector *transport.Reconnector

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	session   transport.SessionOptions
	ctx       context.Context
	cancel    context.CancelCauseFunc

	writeMu sync.Mutex
}

// readState belongs to the read goroutine of one connection.
type readState struct {
	callNames map[string]string
	speaking  bool
}

var _ transport.Adapter = (*Adapter)(nil)

func New(opts Options, logger shared.LoggerAdapter) (*Adapter, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.APIKey == "" {
		return nil, &shared.ConfigurationError{Reason: "openai backend needs an API key", Err: shared.ErrNoAPIKey}
	}
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger = logger.With(zap.String("component", "transport"), zap.String("backend", string(transport.BackendOpenAI)))
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Adapter{
		opts:        opts,
		logger:      logger,
		reconnector: transport.NewReconnector(opts.Reconnect, logger),
		session:     opts.Session,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (a *Adapter) Backend() transport.Backend { return transport.BackendOpenAI }

func (a *Adapter) SupportsTools() bool { return true }

func (a *Adapter) Subscribe(h transport.Handler) func() { return a.hub.Subscribe(h) }

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) Reconnector() *transport.Reconnector { return a.reconnector }

func (a *Adapter) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return shared.ErrAlreadyConnected
	}
	if err := a.dial(ctx); err != nil {
		return err
	}
	a.reconnector.Reset()
	return nil
}

// Reconnect drops the current connection, if any, and runs the backoff loop.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.dropConn()
	err := a.reconnector.Run(ctx, a.dial)
	if errors.Is(err, shared.ErrReconnectExhausted) {
		a.hub.Emit(transport.Disconnected{Reason: err.Error(), Terminal: true})
	}
	return err
}

func (a *Adapter) endpoint() (string, error) {
	u, err := url.Parse(a.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}
	a.mu.Lock()
	model := a.session.Model
	a.mu.Unlock()
	if model == "" {
		model = DefaultModel
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) dial(ctx context.Context) error {
	if err := context.Cause(a.ctx); err != nil {
		return fmt.Errorf("adapter closed: %w", err)
	}
	endpoint, err := a.endpoint()
	if err != nil {
		return &shared.TransportError{Op: "dial", Err: err}
	}
	dialer := websocket.Dialer{HandshakeTimeout: a.opts.HandshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.opts.APIKey)
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				err = fmt.Errorf("%w: %w", shared.ErrUnauthorized, err)
			case http.StatusForbidden:
				err = fmt.Errorf("%w: %w", shared.ErrForbidden, err)
			}
		}
		return &shared.TransportError{Op: "dial", URL: a.opts.URL, Err: err}
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	session := a.session
	a.mu.Unlock()

	update, err := sessionUpdate(session)
	if err == nil {
		err = a.send(update)
	}
	if err != nil {
		a.dropConn()
		return &shared.TransportError{Op: "session.update", URL: a.opts.URL, Err: err}
	}

	a.logger.Info("connected", zap.String("url", a.opts.URL), zap.String("model", session.Model))
	a.hub.Emit(transport.Connected{})
	go a.readLoop(conn)
	return nil
}

// dropConn closes the current connection without scheduling a reconnect.
func (a *Adapter) dropConn() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.connected = false
	a.mu.Unlock()
	if conn == nil {
		return
	}
	a.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	a.writeMu.Unlock()
	if err := conn.Close(); err != nil {
		a.logger.Debug("closing websocket", zap.Error(err))
	}
}

// Disconnect closes the connection for good. It never fails; problems are
// logged.
func (a *Adapter) Disconnect() error {
	a.cancel(errors.New("disconnect requested"))
	a.mu.Lock()
	had := a.conn != nil
	a.mu.Unlock()
	a.dropConn()
	if had {
		a.hub.Emit(transport.Disconnected{Reason: "client disconnect", Terminal: true})
	}
	a.logger.Info("disconnected")
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	st := &readState{callNames: make(map[string]string)}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.handleClose(conn, err)
			return
		}
		a.handleMessage(st, data)
	}
}

func (a *Adapter) handleClose(conn *websocket.Conn, err error) {
	a.mu.Lock()
	if a.conn != conn {
		// superseded by dropConn or a newer dial
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.connected = false
	a.mu.Unlock()
	_ = conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.logger.Info("server closed connection", zap.Error(err))
		a.hub.Emit(transport.Disconnected{Reason: err.Error(), Terminal: true})
		return
	}
	a.logger.Error("connection lost", err)
	a.hub.Emit(transport.Disconnected{Reason: err.Error()})
	if context.Cause(a.ctx) != nil {
		return
	}
	go func() {
		err := a.reconnector.Run(a.ctx, a.dial)
		switch {
		case err == nil, errors.Is(err, shared.ErrReconnectInFlight):
		case errors.Is(err, context.Canceled):
			a.logger.Debug("reconnect abandoned", zap.Error(err))
		default:
			a.hub.Emit(transport.Disconnected{Reason: err.Error(), Terminal: true})
		}
	}()
}

func (a *Adapter) handleMessage(st *readState, data []byte) {
	var ev ServerEvent
	if err := ev.UnmarshalJSON(data); err != nil {
		a.logger.Error("dropping inbound message",
			&shared.ProtocolError{Kind: "malformed", Err: err},
			zap.ByteString("data", truncate(data)),
		)
		return
	}
	a.logger.Trace("received event", zap.String("type", string(ev.Type)), zap.String("eventId", ev.EventId))

	switch p := ev.Param.(type) {
	case *ServerEventParamError:
		a.hub.Emit(transport.Error{Message: p.Message})
	case *ServerEventParamSession:
		a.logger.Debug("session acknowledged", zap.String("type", string(ev.Type)))
	case *ServerEventParamSpeech:
		if ev.Type == ServerEventTypeInputAudioBufferSpeechStarted {
			a.hub.Emit(transport.AgentState{Hint: transport.HintListening})
		}
	case *ServerEventParamInputTranscriptionDelta:
		a.hub.Emit(transport.TranscriptDelta{TurnID: p.ItemId, Role: transport.RoleUser, Text: p.Delta})
	case *ServerEventParamInputTranscriptionCompleted:
		a.hub.Emit(transport.TranscriptDone{TurnID: p.ItemId, Role: transport.RoleUser, Text: p.Transcript})
	case *ServerEventParamInputTranscriptionFailed:
		a.logger.Warn("input transcription failed", zap.String("itemId", p.ItemId), zap.String("message", p.Message))
	case *ServerEventParamResponse:
		st.speaking = false
		if ev.Type == ServerEventTypeResponseCreated {
			a.hub.Emit(transport.AgentState{Hint: transport.HintThinking})
			return
		}
		a.hub.Emit(transport.TurnCompleted{})
	case *ServerEventParamResponseOutputItem:
		if p.ItemType == "function_call" && p.CallId != "" {
			st.callNames[p.CallId] = p.Name
		}
	case *ServerEventParamOutputAudioDelta:
		a.markSpeaking(st)
		a.hub.Emit(transport.AudioDelta{Data: p.Audio})
	case *ServerEventParamOutputDelta:
		a.markSpeaking(st)
		a.hub.Emit(transport.TranscriptDelta{TurnID: p.ItemId, Role: transport.RoleAssistant, Text: p.Delta})
	case *ServerEventParamOutputDone:
		a.hub.Emit(transport.TranscriptDone{TurnID: p.ItemId, Role: transport.RoleAssistant, Text: p.Text})
	case *ServerEventParamFunctionCallArgumentsDone:
		name := p.Name
		if name == "" {
			name = st.callNames[p.CallId]
		}
		delete(st.callNames, p.CallId)
		a.hub.Emit(transport.ToolCall{Invocation: transport.ToolInvocation{
			ID:           p.CallId,
			Name:         name,
			RawArguments: p.Arguments,
		}})
	case *ServerEventParamIgnored:
	}
}

func (a *Adapter) markSpeaking(st *readState) {
	if st.speaking {
		return
	}
	st.speaking = true
	a.hub.Emit(transport.AgentState{Hint: transport.HintSpeaking})
}

func truncate(data []byte) []byte {
	if len(data) <= maxLoggedPayload {
		return data
	}
	return data[:maxLoggedPayload]
}

// send serializes one client event onto the socket.
func (a *Adapter) send(event map[string]any) error {
	if _, ok := event["event_id"]; !ok {
		event["event_id"] = "evt_" + uuid.NewString()
	}
	data, err := sonic.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %v: %w", event["type"], err)
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return shared.ErrNotConnected
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &shared.TransportError{Op: "write", URL: a.opts.URL, Err: err}
	}
	return nil
}

func (a *Adapter) SendAudio(frame []byte) error {
	return a.send(map[string]any{
		"type":  ClientEventTypeInputAudioBufferAppend,
		"audio": base64.StdEncoding.EncodeToString(frame),
	})
}

func (a *Adapter) CommitAudio() error {
	return a.send(map[string]any{"type": ClientEventTypeInputAudioBufferCommit})
}

func (a *Adapter) ClearAudioBuffer() error {
	return a.send(map[string]any{"type": ClientEventTypeInputAudioBufferClear})
}

// SendToolResult posts a function_call_output item. Non-string outputs are
// JSON encoded.
func (a *Adapter) SendToolResult(id string, output any) error {
	text, ok := output.(string)
	if !ok {
		encoded, err := sonic.MarshalString(output)
		if err != nil {
			return fmt.Errorf("encoding tool output: %w", err)
		}
		text = encoded
	}
	return a.send(map[string]any{
		"type": ClientEventTypeConversationItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": id,
			"output":  text,
		},
	})
}

func (a *Adapter) SendSystemText(text string) error {
	return a.send(map[string]any{
		"type": ClientEventTypeConversationItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

func (a *Adapter) CancelResponse() error {
	return a.send(map[string]any{"type": ClientEventTypeResponseCancel})
}

func (a *Adapter) RequestResponse() error {
	return a.send(map[string]any{"type": ClientEventTypeResponseCreate})
}

// UpdateSession stores the options for the next connect and pushes them when
// connected.
func (a *Adapter) UpdateSession(opts transport.SessionOptions) error {
	a.mu.Lock()
	a.session = opts
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return nil
	}
	update, err := sessionUpdate(opts)
	if err != nil {
		return err
	}
	return a.send(update)
}
