// Package sqlite persists completed transcript turns and tool executions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/toolbridge"
	"github.com/bt-bridge/realtime-session/transcript"
	"github.com/bt-bridge/realtime-session/transport"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var ErrNotFound = errors.New("not found")

type Store struct {
	db     *sql.DB
	logger shared.LoggerAdapter
}

var _ toolbridge.ExecutionLog = (*Store)(nil)

// Open opens or creates the database at path and runs migrations. The parent
// directory is created when missing.
func Open(path string, logger shared.LoggerAdapter) (*Store, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == MemoryPath {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, logger: logger.With(zap.String("component", "store"))}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		backend TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		UNIQUE (conversation_id, turn_id, text)
	);

	CREATE INDEX IF NOT EXISTS idx_turns_completed_at ON turns(conversation_id, completed_at);

	CREATE TABLE IF NOT EXISTS tool_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id TEXT NOT NULL,
		name TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		error TEXT NOT NULL,
		executed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tool_executions_call_id ON tool_executions(call_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) StartConversation(ctx context.Context, id string, backend transport.Backend, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO conversations (id, backend, started_at, ended_at)
	VALUES (?, ?, ?, NULL)
	ON CONFLICT(id) DO UPDATE SET
		backend = excluded.backend,
		ended_at = NULL
	`, id, string(backend), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	return nil
}

// EndConversation stamps the end time. Ending an unknown or already ended
// conversation is not an error.
func (s *Store) EndConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE conversations SET ended_at = ? WHERE id = ? AND ended_at IS NULL
	`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	return nil
}

type Conversation struct {
	ID        string
	Backend   transport.Backend
	StartedAt time.Time
	EndedAt   *time.Time
}

func (s *Store) Conversation(ctx context.Context, id string) (Conversation, error) {
	var (
		c         Conversation
		backend   string
		startedAt string
		endedAt   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT id, backend, started_at, ended_at FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &backend, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	c.Backend = transport.Backend(backend)
	if c.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Conversation{}, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Conversation{}, fmt.Errorf("parse ended_at: %w", err)
		}
		c.EndedAt = &t
	}
	return c, nil
}

// SaveTurn inserts a completed turn. A turn already saved with the same id
// and text is ignored. Fallback ids repeat across turns, so the text is part
// of the key.
func (s *Store) SaveTurn(ctx context.Context, conversationID string, t transcript.Turn) error {
	if t.ID == "" {
		return errors.New("turn id cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO turns (conversation_id, turn_id, role, text, completed_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING
	`,
		conversationID,
		t.ID,
		string(t.Role),
		t.Text,
		t.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	s.logger.Trace("turn saved", zap.String("conversationId", conversationID), zap.String("turnId", t.ID))
	return nil
}

// Turns lists a conversation's turns in completion order.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]transcript.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT turn_id, role, text, completed_at
	FROM turns
	WHERE conversation_id = ?
	ORDER BY completed_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []transcript.Turn
	for rows.Next() {
		var (
			t           transcript.Turn
			role        string
			completedAt string
		)
		if err := rows.Scan(&t.ID, &role, &t.Text, &completedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = transport.Role(role)
		if t.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RecordExecution(ctx context.Context, e toolbridge.Execution) error {
	input, err := sonic.MarshalString(e.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	output, err := sonic.MarshalString(e.Output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	success := 0
	if e.Success {
		success = 1
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO tool_executions (call_id, name, input, output, duration_ms, success, error, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.CallID,
		e.Name,
		input,
		output,
		e.Duration.Milliseconds(),
		success,
		e.Error,
		e.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// Executions returns recorded tool executions, oldest first.
func (s *Store) Executions(ctx context.Context) ([]toolbridge.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT call_id, name, input, output, duration_ms, success, error, executed_at
	FROM tool_executions
	ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []toolbridge.Execution
	for rows.Next() {
		var (
			e          toolbridge.Execution
			input      string
			output     string
			durationMs int64
			success    int
			executedAt string
		)
		if err := rows.Scan(&e.CallID, &e.Name, &input, &output, &durationMs, &success, &e.Error, &executedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if err := sonic.UnmarshalString(input, &e.Input); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		if err := sonic.UnmarshalString(output, &e.Output); err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.Success = success == 1
		if e.At, err = time.Parse(time.RFC3339Nano, executedAt); err != nil {
			return nil, fmt.Errorf("parse executed_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
