package toolbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
)

// Executor runs a named tool. It owns any retry policy.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}

type ExecutorFunc func(ctx context.Context, name string, args map[string]any) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	return f(ctx, name, args)
}

// Execution is one recorded tool run.
type Execution struct {
	CallID   string         `json:"call_id"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input"`
	Output   any            `json:"output"`
	Duration time.Duration  `json:"duration"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	At       time.Time      `json:"at"`
}

// ExecutionLog records every invocation regardless of outcome.
type ExecutionLog interface {
	RecordExecution(ctx context.Context, e Execution) error
}

type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Registry is an in-process Executor keyed by tool name.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]ToolFunc
}

var _ Executor = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]ToolFunc)}
}

func (r *Registry) Register(name string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executing %q: %w", name, shared.ErrUnknownTool)
	}
	return fn(ctx, args)
}
