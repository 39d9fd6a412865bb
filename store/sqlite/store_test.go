package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/toolbridge"
	"github.com/bt-bridge/realtime-session/transcript"
	"github.com/bt-bridge/realtime-session/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(MemoryPath, shared.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveTurnIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveTurn(ctx, "conv", transcript.Turn{ID: "u1", Role: transport.RoleUser, Text: "Hello", CompletedAt: at}))
	require.NoError(t, s.SaveTurn(ctx, "conv", transcript.Turn{ID: "a1", Role: transport.RoleAssistant, Text: "Hi!", CompletedAt: at.Add(time.Second)}))
	require.NoError(t, s.SaveTurn(ctx, "conv", transcript.Turn{ID: "u1", Role: transport.RoleUser, Text: "Hello", CompletedAt: at.Add(time.Minute)}))
	require.NoError(t, s.SaveTurn(ctx, "other", transcript.Turn{ID: "u1", Role: transport.RoleUser, Text: "elsewhere", CompletedAt: at}))

	turns, err := s.Turns(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, []transcript.Turn{
		{ID: "u1", Role: transport.RoleUser, Text: "Hello", CompletedAt: at},
		{ID: "a1", Role: transport.RoleAssistant, Text: "Hi!", CompletedAt: at.Add(time.Second)},
	}, turns)

	assert.Error(t, s.SaveTurn(ctx, "conv", transcript.Turn{}))
}

func TestFallbackTurnIDsKeepEveryTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	id := transcript.DefaultTurnID(transport.RoleAssistant)

	require.NoError(t, s.SaveTurn(ctx, "conv", transcript.Turn{ID: id, Role: transport.RoleAssistant, Text: "First answer.", CompletedAt: at}))
	require.NoError(t, s.SaveTurn(ctx, "conv", transcript.Turn{ID: id, Role: transport.RoleAssistant, Text: "Second answer.", CompletedAt: at}))

	turns, err := s.Turns(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "First answer.", turns[0].Text)
	assert.Equal(t, "Second answer.", turns[1].Text)
}

func TestRecordExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordExecution(ctx, toolbridge.Execution{
		CallID:   "c1",
		Name:     "get_weather",
		Input:    map[string]any{"city": "Oslo"},
		Output:   map[string]any{"temp": float64(3)},
		Duration: 120 * time.Millisecond,
		Success:  true,
		At:       at,
	}))
	require.NoError(t, s.RecordExecution(ctx, toolbridge.Execution{
		CallID: "c2",
		Name:   "missing",
		Input:  map[string]any{},
		Output: map[string]any{"error": "unknown tool"},
		Error:  "unknown tool",
		At:     at,
	}))

	execs, err := s.Executions(ctx)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "c1", execs[0].CallID)
	assert.Equal(t, map[string]any{"city": "Oslo"}, execs[0].Input)
	assert.Equal(t, map[string]any{"temp": float64(3)}, execs[0].Output)
	assert.Equal(t, 120*time.Millisecond, execs[0].Duration)
	assert.True(t, execs[0].Success)
	assert.Equal(t, at, execs[0].At)

	assert.False(t, execs[1].Success)
	assert.Equal(t, "unknown tool", execs[1].Error)
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.db")
	s, err := Open(path, shared.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.SaveTurn(context.Background(), "c", transcript.Turn{ID: "x", Role: transport.RoleUser, Text: "t", CompletedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path, shared.NewNopLogger())
	require.NoError(t, err)
	defer s.Close()
	turns, err := s.Turns(context.Background(), "c")
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestOpenRequiresLogger(t *testing.T) {
	_, err := Open(MemoryPath, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Conversation(ctx, "conv")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.StartConversation(ctx, "conv", transport.BackendFramed, start))
	c, err := s.Conversation(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, transport.BackendFramed, c.Backend)
	assert.Equal(t, start, c.StartedAt)
	assert.Nil(t, c.EndedAt)

	end := start.Add(time.Minute)
	require.NoError(t, s.EndConversation(ctx, "conv", end))
	require.NoError(t, s.EndConversation(ctx, "conv", end.Add(time.Hour)))
	require.NoError(t, s.EndConversation(ctx, "missing", end))

	c, err = s.Conversation(ctx, "conv")
	require.NoError(t, err)
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, end, *c.EndedAt)
}
