// Package transcript rebuilds complete utterances from incremental deltas.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/transport"
)

// Turn is one completed utterance ready for persistence.
type Turn struct {
	ID          string         `json:"id"`
	Role        transport.Role `json:"role"`
	Text        string         `json:"text"`
	CompletedAt time.Time      `json:"completed_at"`
}

// DefaultTurnID is used when a backend never reports an item id, so text
// still accumulates one turn at a time.
func DefaultTurnID(role transport.Role) string {
	return string(role) + "-default"
}

type side struct {
	active  string
	buffers map[string]*strings.Builder
}

// Assembler holds one user side and one assistant side. It is safe for
// concurrent use.
type Assembler struct {
	mu        sync.Mutex
	sides     map[transport.Role]*side
	completed map[string]struct{}
	now       func() time.Time
}

func NewAssembler() *Assembler {
	a := &Assembler{
		completed: make(map[string]struct{}),
		now:       time.Now,
	}
	a.resetLocked()
	return a
}

func (a *Assembler) resetLocked() {
	a.sides = map[transport.Role]*side{
		transport.RoleUser:      {buffers: make(map[string]*strings.Builder)},
		transport.RoleAssistant: {buffers: make(map[string]*strings.Builder)},
	}
}

func (a *Assembler) side(role transport.Role) *side {
	s, ok := a.sides[role]
	if !ok {
		s = &side{buffers: make(map[string]*strings.Builder)}
		a.sides[role] = s
	}
	return s
}

// Delta appends text to the turn's buffer and returns the turn's text so far.
// When a new turn id replaces an active one that never saw Done, the prior
// turn is closed out and returned as closed if it carries text.
func (a *Assembler) Delta(turnID string, role transport.Role, text string) (current string, closed *Turn) {
	if turnID == "" {
		turnID = DefaultTurnID(role)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.side(role)
	if s.active != "" && s.active != turnID {
		if t, ok := a.completeLocked(s, s.active, role, ""); ok {
			closed = &t
		}
	}
	s.active = turnID
	b, ok := s.buffers[turnID]
	if !ok {
		b = &strings.Builder{}
		s.buffers[turnID] = b
	}
	b.WriteString(text)
	return b.String(), closed
}

// Done completes a turn. Reported text wins over the accumulated buffer.
// ok is false when the turn is empty after trimming or the same turn was
// already completed with the same content.
func (a *Assembler) Done(turnID string, role transport.Role, text string) (Turn, bool) {
	if turnID == "" {
		turnID = DefaultTurnID(role)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completeLocked(a.side(role), turnID, role, text)
}

func (a *Assembler) completeLocked(s *side, turnID string, role transport.Role, reported string) (Turn, bool) {
	final := strings.TrimSpace(reported)
	if b, ok := s.buffers[turnID]; ok {
		if final == "" {
			final = strings.TrimSpace(b.String())
		}
		delete(s.buffers, turnID)
	}
	if s.active == turnID {
		s.active = ""
	}
	if final == "" {
		return Turn{}, false
	}
	key := string(role) + "\x00" + turnID + "\x00" + final
	if _, dup := a.completed[key]; dup {
		return Turn{}, false
	}
	a.completed[key] = struct{}{}
	return Turn{ID: turnID, Role: role, Text: final, CompletedAt: a.now()}, true
}

// Active returns the id and text of the role's in-progress turn.
func (a *Assembler) Active(role transport.Role) (turnID, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.side(role)
	if s.active == "" {
		return "", ""
	}
	return s.active, s.buffers[s.active].String()
}

// Reset drops every in-progress buffer on both sides. Completed-turn
// de-duplication survives a reset.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}
