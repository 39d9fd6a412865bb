package realtime

import (
	"errors"
	"sync"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/transcript"
	"github.com/bt-bridge/realtime-session/transport"
	"go.uber.org/zap"
)

// eventQueue decouples adapter goroutines from the session loop. push never
// blocks, so an adapter may emit while holding its own locks.
type eventQueue struct {
	mu    sync.Mutex
	items []transport.Event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e transport.Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []transport.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// loop applies adapter events one at a time in arrival order.
func (s *Session) loop(r *run) {
	defer close(r.loopDone)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.queue.ready:
			for _, e := range r.queue.drain() {
				if r.ctx.Err() != nil {
					return
				}
				s.handleEvent(r, e)
			}
		}
	}
}

func (s *Session) handleEvent(r *run, e transport.Event) {
	switch e := e.(type) {
	case transport.Connected:
		s.mu.Lock()
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
		s.notify(ConnectionChanged{Connected: true})

	case transport.Disconnected:
		s.onDisconnected(r, e)

	case transport.Error:
		s.logger.Warn("backend error", zap.String("message", e.Message))
		s.notify(BackendError{Message: e.Message})

	case transport.AudioDelta:
		s.mu.Lock()
		muted := s.muted
		s.mu.Unlock()
		if muted || len(e.Data) == 0 {
			return
		}
		if err := r.codec.Decode(e.Data); err != nil {
			s.logger.Debug("dropping audio delta", zap.Error(err))
		}

	case transport.TranscriptDelta:
		if s.dropAssistant(e.Role) {
			return
		}
		text, closed := r.assembler.Delta(e.TurnID, e.Role, e.Text)
		if closed != nil {
			s.completeTurn(r, *closed)
		}
		id := e.TurnID
		if id == "" {
			id = transcript.DefaultTurnID(e.Role)
		}
		s.notify(TranscriptUpdated{TurnID: id, Role: e.Role, Text: text})

	case transport.TranscriptDone:
		if s.dropAssistant(e.Role) {
			return
		}
		if t, ok := r.assembler.Done(e.TurnID, e.Role, e.Text); ok {
			s.completeTurn(r, t)
		}

	case transport.AgentState:
		s.onHint(e.Hint)

	case transport.ToolCall:
		if !r.adapter.SupportsTools() {
			s.logger.Warn("tool call from a backend without tools", zap.String("tool", e.Invocation.Name))
			return
		}
		s.mu.Lock()
		epoch := s.epoch
		s.mu.Unlock()
		if !r.tools.Submit(e.Invocation, epoch) {
			s.logger.Warn("tool call after teardown", zap.String("tool", e.Invocation.Name))
		}

	case transport.TurnCompleted:
		s.mu.Lock()
		// the interrupted response has ended; later output is fresh
		s.muted = false
		if s.state == StateInterrupted || s.state.generating() {
			s.setStateLocked(StateIdle)
		}
		s.mu.Unlock()

	default:
		s.logger.Warn("unhandled event", zap.String("kind", transport.Kind(e)))
	}
}

// dropAssistant reports whether assistant output belongs to a response
// that was interrupted.
func (s *Session) dropAssistant(role transport.Role) bool {
	if role != transport.RoleAssistant {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) completeTurn(r *run, t transcript.Turn) {
	s.notify(TranscriptUpdated{TurnID: t.ID, Role: t.Role, Text: t.Text, Final: true})
	s.persistTurn(r, t)
}

func (s *Session) onHint(hint transport.StateHint) {
	switch hint {
	case transport.HintListening:
		s.speechStarted("backend")
	case transport.HintThinking:
		s.mu.Lock()
		s.muted = false
		s.setStateLocked(StateThinking)
		s.mu.Unlock()
	case transport.HintSpeaking:
		s.mu.Lock()
		if !s.muted {
			s.setStateLocked(StateSpeaking)
		}
		s.mu.Unlock()
	}
}

func (s *Session) onDisconnected(r *run, e transport.Disconnected) {
	r.pipeline.StopPlayback()
	s.mu.Lock()
	s.setStateLocked(StateIdle)
	s.mu.Unlock()
	s.notify(ConnectionChanged{Reason: e.Reason, Terminal: e.Terminal})
	if !e.Terminal {
		s.logger.Warn("connection lost, reconnecting", zap.String("reason", e.Reason))
		return
	}
	r.pipeline.StopCapture()
	s.logger.Error("connection closed", errors.New(e.Reason))
	s.fail(&shared.TransportError{Op: "connection", Err: errors.New(e.Reason)})
}
