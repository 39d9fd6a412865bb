package transcript

import (
	"strings"
	"testing"

	"github.com/bt-bridge/realtime-session/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltasConcatenateInArrivalOrder(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
	}{
		{name: "single delta", deltas: []string{"hello"}},
		{name: "split word", deltas: []string{"Hel", "lo"}},
		{name: "whitespace kept between deltas", deltas: []string{"one ", "two ", " three"}},
		{name: "empty deltas", deltas: []string{"", "a", "", "b"}},
		{name: "unicode", deltas: []string{"سلام", " ", "دنیا"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler()
			var current string
			for _, d := range tt.deltas {
				current, _ = a.Delta("t1", transport.RoleAssistant, d)
			}
			assert.Equal(t, strings.Join(tt.deltas, ""), current)
		})
	}
}

func TestHelloScenarioCompletesOnce(t *testing.T) {
	a := NewAssembler()
	a.Delta("t1", transport.RoleAssistant, "Hel")
	a.Delta("t1", transport.RoleAssistant, "lo")

	turn, ok := a.Done("t1", transport.RoleAssistant, "Hello")
	require.True(t, ok)
	assert.Equal(t, "t1", turn.ID)
	assert.Equal(t, transport.RoleAssistant, turn.Role)
	assert.Equal(t, "Hello", turn.Text)

	_, ok = a.Done("t1", transport.RoleAssistant, "Hello")
	assert.False(t, ok, "duplicate completion must be dropped")

	id, text := a.Active(transport.RoleAssistant)
	assert.Empty(t, id)
	assert.Empty(t, text)
}

func TestDoneFallsBackToAccumulatedText(t *testing.T) {
	a := NewAssembler()
	a.Delta("t1", transport.RoleUser, "what time ")
	a.Delta("t1", transport.RoleUser, "is it")

	turn, ok := a.Done("t1", transport.RoleUser, "")
	require.True(t, ok)
	assert.Equal(t, "what time is it", turn.Text)
}

func TestEmptyTurnIsDiscarded(t *testing.T) {
	a := NewAssembler()
	a.Delta("t1", transport.RoleAssistant, "  ")
	_, ok := a.Done("t1", transport.RoleAssistant, " \n")
	assert.False(t, ok)

	id, _ := a.Active(transport.RoleAssistant)
	assert.Empty(t, id)
}

func TestMissingTurnIDUsesRoleDefault(t *testing.T) {
	a := NewAssembler()
	a.Delta("", transport.RoleAssistant, "a")
	a.Delta("", transport.RoleAssistant, "b")

	id, text := a.Active(transport.RoleAssistant)
	assert.Equal(t, "assistant-default", id)
	assert.Equal(t, "ab", text)

	turn, ok := a.Done("", transport.RoleAssistant, "")
	require.True(t, ok)
	assert.Equal(t, "ab", turn.Text)
	assert.Equal(t, "assistant-default", turn.ID)
}

func TestNewTurnClosesOutUnfinishedTurn(t *testing.T) {
	a := NewAssembler()
	a.Delta("t1", transport.RoleAssistant, "first answer")
	_, closed := a.Delta("t2", transport.RoleAssistant, "second")

	require.NotNil(t, closed)
	assert.Equal(t, "t1", closed.ID)
	assert.Equal(t, "first answer", closed.Text)

	id, text := a.Active(transport.RoleAssistant)
	assert.Equal(t, "t2", id)
	assert.Equal(t, "second", text)

	_, ok := a.Done("t1", transport.RoleAssistant, "first answer")
	assert.False(t, ok)
}

func TestSidesAreIndependent(t *testing.T) {
	a := NewAssembler()
	a.Delta("u1", transport.RoleUser, "hi")
	_, closed := a.Delta("a1", transport.RoleAssistant, "hello")
	assert.Nil(t, closed)

	_, userText := a.Active(transport.RoleUser)
	_, assistantText := a.Active(transport.RoleAssistant)
	assert.Equal(t, "hi", userText)
	assert.Equal(t, "hello", assistantText)
}

func TestSameTextDifferentRoleIsNotDuplicate(t *testing.T) {
	a := NewAssembler()
	_, ok := a.Done("u1", transport.RoleUser, "yes")
	require.True(t, ok)
	_, ok = a.Done("a1", transport.RoleAssistant, "yes")
	assert.True(t, ok)
}

func TestResetClearsBothSides(t *testing.T) {
	a := NewAssembler()
	a.Delta("u1", transport.RoleUser, "hi")
	a.Delta("a1", transport.RoleAssistant, "hel")
	a.Reset()

	id, _ := a.Active(transport.RoleUser)
	assert.Empty(t, id)
	id, _ = a.Active(transport.RoleAssistant)
	assert.Empty(t, id)

	_, ok := a.Done("a1", transport.RoleAssistant, "")
	assert.False(t, ok)
}

func TestRepeatedTextInLaterTurnIsKept(t *testing.T) {
	a := NewAssembler()
	_, ok := a.Done("u1", transport.RoleUser, "Yes.")
	require.True(t, ok)

	a.Delta("u2", transport.RoleUser, "Yes.")
	turn, ok := a.Done("u2", transport.RoleUser, "Yes.")
	require.True(t, ok)
	assert.Equal(t, "u2", turn.ID)
	assert.Equal(t, "Yes.", turn.Text)

	_, ok = a.Done("u2", transport.RoleUser, "Yes.")
	assert.False(t, ok, "duplicate completion of u2 must be dropped")
}
