// Package framed implements the binary framed adapter. The backend speaks
// single-byte-tagged websocket frames, carries compressed audio both ways and
// has no function calling and no turn lifecycle frames; turns are inferred
// from a quiet window after the last assistant frame.
package framed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/token"
	"github.com/bt-bridge/realtime-session/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultQuietWindow       = 800 * time.Millisecond
	DefaultKeepaliveInterval = 15 * time.Second
	writeTimeout             = 10 * time.Second
)

// TokenIssuer is satisfied by *token.Client.
type TokenIssuer interface {
	Issue(ctx context.Context, r token.Request) (token.Grant, error)
}

type Options struct {
	Issuer            TokenIssuer
	AgentID           string
	ConversationID    string
	Origin            string
	HandshakeTimeout  time.Duration
	QuietWindow       time.Duration
	KeepaliveInterval time.Duration
	Reconnect         transport.ReconnectPolicy
}

type Adapter struct {
	opts        Options
	logger      shared.LoggerAdapter
	hub         transport.Hub
	reconnector *transport.Reconnector

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	ctx       context.Context
	cancel    context.CancelCauseFunc

	writeMu sync.Mutex

	// turnMu orders emission between the read loop and the quiet timer.
	turnMu   sync.Mutex
	turnID   string
	turnText strings.Builder
	turnGen  uint64
	quiet    *time.Timer
}

var _ transport.Adapter = (*Adapter)(nil)

func New(opts Options, logger shared.LoggerAdapter) (*Adapter, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Issuer == nil {
		return nil, &shared.ConfigurationError{Reason: "framed backend needs a token issuer"}
	}
	if opts.AgentID == "" {
		return nil, &shared.ConfigurationError{Reason: "framed backend needs an agent id"}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.QuietWindow <= 0 {
		opts.QuietWindow = DefaultQuietWindow
	}
	logger = logger.With(zap.String("component", "transport"), zap.String("backend", string(transport.BackendFramed)))
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Adapter{
		opts:        opts,
		logger:      logger,
		reconnector: transport.NewReconnector(opts.Reconnect, logger),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (a *Adapter) Backend() transport.Backend { return transport.BackendFramed }

func (a *Adapter) SupportsTools() bool { return false }

func (a *Adapter) Subscribe(h transport.Handler) func() { return a.hub.Subscribe(h) }

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

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

func (a *Adapter) Reconnect(ctx context.Context) error {
	a.dropConn()
	err := a.reconnector.Run(ctx, a.dial)
	if errors.Is(err, shared.ErrReconnectExhausted) {
		a.hub.Emit(transport.Disconnected{Reason: err.Error(), Terminal: true})
	}
	return err
}

func (a *Adapter) endpoint(g token.Grant) (string, error) {
	u, err := url.Parse(g.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", g.Token)
	q.Set("agent_id", a.opts.AgentID)
	if a.opts.ConversationID != "" {
		q.Set("conversation_id", a.opts.ConversationID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial fetches a fresh token, opens the socket and waits for the handshake
// frame.
func (a *Adapter) dial(ctx context.Context) error {
	if err := context.Cause(a.ctx); err != nil {
		return fmt.Errorf("adapter closed: %w", err)
	}
	grant, err := a.opts.Issuer.Issue(ctx, token.Request{
		AgentID:        a.opts.AgentID,
		ConversationID: a.opts.ConversationID,
		Origin:         a.opts.Origin,
	})
	if err != nil {
		return &shared.TransportError{Op: "token", Err: err}
	}
	endpoint, err := a.endpoint(grant)
	if err != nil {
		return &shared.TransportError{Op: "dial", Err: err}
	}

	dialer := websocket.Dialer{HandshakeTimeout: a.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return &shared.TransportError{Op: "dial", URL: grant.Endpoint, Err: err}
	}

	handshake := make(chan error, 1)
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	go a.readLoop(conn, handshake)

	timer := time.NewTimer(a.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case err := <-handshake:
		if err != nil {
			a.dropConn()
			return &shared.TransportError{Op: "handshake", URL: grant.Endpoint, Err: err}
		}
	case <-timer.C:
		a.dropConn()
		return &shared.TransportError{Op: "handshake", URL: grant.Endpoint, Handshake: true, Err: shared.ErrHandshakeTimeout}
	case <-ctx.Done():
		a.dropConn()
		return &shared.TransportError{Op: "handshake", URL: grant.Endpoint, Err: ctx.Err()}
	}

	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return &shared.TransportError{Op: "handshake", URL: grant.Endpoint, Err: shared.ErrNotConnected}
	}
	a.connected = true
	a.mu.Unlock()

	a.logger.Info("connected", zap.String("endpoint", grant.Endpoint))
	a.hub.Emit(transport.Connected{})
	if a.opts.KeepaliveInterval > 0 {
		go a.keepalive(conn)
	}
	return nil
}

func (a *Adapter) dropConn() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.connected = false
	a.mu.Unlock()
	a.resetTurn()
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

func (a *Adapter) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(a.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}
		a.mu.Lock()
		current := a.conn == conn
		a.mu.Unlock()
		if !current {
			return
		}
		if err := a.write(Frame{Tag: TagKeepalive}); err != nil {
			a.logger.Debug("keepalive failed", zap.Error(err))
			return
		}
	}
}

func (a *Adapter) readLoop(conn *websocket.Conn, handshake chan<- error) {
	shook := false
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !shook {
				handshake <- fmt.Errorf("closed before handshake: %w", err)
			}
			a.handleClose(conn, err, shook)
			return
		}
		if kind != websocket.BinaryMessage {
			a.logger.Error("dropping inbound message", &shared.ProtocolError{Kind: "text-frame", Err: errors.New("expected binary frame")})
			continue
		}
		f, err := ParseFrame(data)
		if err != nil {
			a.logger.Error("dropping inbound message", &shared.ProtocolError{Kind: "malformed", Err: err})
			continue
		}
		if f.Tag == TagHandshake {
			if !shook {
				shook = true
				handshake <- nil
			}
			continue
		}
		if !shook {
			a.logger.Warn("frame before handshake", zap.Uint8("tag", f.Tag))
			continue
		}
		a.handleFrame(f)
	}
}

func (a *Adapter) handleFrame(f Frame) {
	switch f.Tag {
	case TagAudio:
		if len(f.Payload) == 0 {
			return
		}
		a.turnMu.Lock()
		a.touchTurn()
		a.hub.Emit(transport.AudioDelta{Data: f.Payload})
		a.turnMu.Unlock()
	case TagTranscript:
		text := TranscriptText(f.Payload)
		if text == "" {
			return
		}
		a.turnMu.Lock()
		a.touchTurn()
		a.turnText.WriteString(text)
		a.hub.Emit(transport.TranscriptDelta{TurnID: a.turnID, Role: transport.RoleAssistant, Text: text})
		a.turnMu.Unlock()
	case TagError:
		msg := string(f.Payload)
		a.logger.Warn("backend error", zap.String("message", msg))
		a.hub.Emit(transport.Error{Message: msg})
	case TagKeepalive:
	}
}

// touchTurn opens a turn on the first assistant frame and restarts the quiet
// window. Callers hold turnMu.
func (a *Adapter) touchTurn() {
	if a.turnID == "" {
		a.turnID = uuid.NewString()
		a.turnText.Reset()
		a.hub.Emit(transport.AgentState{Hint: transport.HintSpeaking})
	}
	a.turnGen++
	gen := a.turnGen
	if a.quiet != nil {
		a.quiet.Stop()
	}
	a.quiet = time.AfterFunc(a.opts.QuietWindow, func() { a.finishTurn(gen) })
}

func (a *Adapter) finishTurn(gen uint64) {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()
	if gen != a.turnGen || a.turnID == "" {
		return
	}
	id, text := a.turnID, a.turnText.String()
	a.turnID = ""
	a.turnText.Reset()
	a.quiet = nil
	a.hub.Emit(transport.TranscriptDone{TurnID: id, Role: transport.RoleAssistant, Text: text})
	a.hub.Emit(transport.TurnCompleted{})
}

func (a *Adapter) resetTurn() {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()
	a.resetTurnLocked()
}

func (a *Adapter) resetTurnLocked() {
	if a.quiet != nil {
		a.quiet.Stop()
		a.quiet = nil
	}
	a.turnGen++
	a.turnID = ""
	a.turnText.Reset()
}

func (a *Adapter) handleClose(conn *websocket.Conn, err error, shook bool) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.connected = false
	a.mu.Unlock()
	_ = conn.Close()
	a.resetTurn()
	if !shook {
		// dial is still waiting on the handshake and reports the failure
		return
	}

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

func (a *Adapter) write(f Frame) error {
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
	if err := conn.WriteMessage(websocket.BinaryMessage, f.Bytes()); err != nil {
		return &shared.TransportError{Op: "write", Err: err}
	}
	return nil
}

// SendAudio sends one encoded packet.
func (a *Adapter) SendAudio(frame []byte) error {
	if !a.IsConnected() {
		return shared.ErrNotConnected
	}
	return a.write(Frame{Tag: TagAudio, Payload: frame})
}

// The backend segments input itself and has no response lifecycle, so these
// have nothing to send.

func (a *Adapter) CommitAudio() error      { return nil }
func (a *Adapter) ClearAudioBuffer() error { return nil }
func (a *Adapter) RequestResponse() error  { return nil }

// CancelResponse closes out the local turn so late frames start a new one,
// and reports the turn as completed since the backend never will.
func (a *Adapter) CancelResponse() error {
	a.turnMu.Lock()
	defer a.turnMu.Unlock()
	a.resetTurnLocked()
	a.hub.Emit(transport.TurnCompleted{})
	return nil
}

func (a *Adapter) SendToolResult(string, any) error { return nil }

func (a *Adapter) SendSystemText(text string) error {
	a.logger.Debug("system text not supported by backend", zap.Int("length", len(text)))
	return nil
}

// UpdateSession is a no-op; the backend takes its configuration from the
// agent definition.
func (a *Adapter) UpdateSession(opts transport.SessionOptions) error {
	a.logger.Debug("session update not supported by backend", zap.String("voice", opts.Voice))
	return nil
}
