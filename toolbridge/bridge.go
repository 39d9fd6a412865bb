package toolbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/transport"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

const UnknownToolMessage = "unknown tool"

// Responder is the slice of the adapter contract the bridge needs.
type Responder interface {
	SendToolResult(id string, output any) error
	RequestResponse() error
}

// Result is the outcome of one handled invocation.
type Result struct {
	Invocation transport.ToolInvocation
	Args       map[string]any
	Output     any
	Duration   time.Duration
	// Err is a *shared.ToolExecutionError when the tool failed or was unknown.
	Err error
}

type Options struct {
	// Timeout bounds each execution. Zero means no limit.
	Timeout time.Duration
	Log     ExecutionLog
	Logger  shared.LoggerAdapter
}

type Bridge struct {
	catalog  *Catalog
	executor Executor
	sender   Responder
	log      ExecutionLog
	timeout  time.Duration
	logger   shared.LoggerAdapter
	now      func() time.Time
}

func New(catalog *Catalog, executor Executor, sender Responder, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Bridge{
		catalog:  catalog,
		executor: executor,
		sender:   sender,
		log:      opts.Log,
		timeout:  opts.Timeout,
		logger:   logger.With(zap.String("component", "toolbridge")),
		now:      time.Now,
	}
}

// Handle resolves and runs one invocation, then always sends exactly one tool
// result followed by a response request so the backend resumes generation.
func (b *Bridge) Handle(ctx context.Context, inv transport.ToolInvocation) Result {
	start := b.now()
	args := b.parseArgs(inv)
	res := Result{Invocation: inv, Args: args}

	if _, ok := b.catalog.Lookup(inv.Name); !ok || b.executor == nil {
		res.Err = &shared.ToolExecutionError{Tool: inv.Name, Err: shared.ErrUnknownTool}
		res.Output = map[string]any{"error": UnknownToolMessage}
		b.logger.Warn("unknown tool requested", zap.String("tool", inv.Name), zap.String("callID", inv.ID))
	} else {
		res.Output, res.Err = b.execute(ctx, inv.Name, args)
	}
	res.Duration = b.now().Sub(start)

	if err := b.sender.SendToolResult(inv.ID, res.Output); err != nil {
		b.logger.Error("sending tool result", err, zap.String("tool", inv.Name), zap.String("callID", inv.ID))
	} else if err := b.sender.RequestResponse(); err != nil {
		b.logger.Error("requesting response after tool result", err, zap.String("callID", inv.ID))
	}
	b.record(ctx, res)
	return res
}

func (b *Bridge) parseArgs(inv transport.ToolInvocation) map[string]any {
	args := map[string]any{}
	raw := strings.TrimSpace(inv.RawArguments)
	if raw == "" {
		return args
	}
	if err := sonic.UnmarshalString(raw, &args); err != nil || args == nil {
		b.logger.Warn("unparsable tool arguments, using empty object",
			zap.String("tool", inv.Name),
			zap.String("callID", inv.ID),
			zap.Error(err),
		)
		return map[string]any{}
	}
	return args
}

func (b *Bridge) execute(ctx context.Context, name string, args map[string]any) (any, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	out, err := b.executor.Execute(ctx, name, args)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", b.timeout, err)
	}
	b.logger.Error("tool execution failed", err, zap.String("tool", name))
	return map[string]any{"error": err.Error()}, &shared.ToolExecutionError{Tool: name, Err: err}
}

func (b *Bridge) record(ctx context.Context, res Result) {
	if b.log == nil {
		return
	}
	e := Execution{
		CallID:   res.Invocation.ID,
		Name:     res.Invocation.Name,
		Input:    res.Args,
		Output:   res.Output,
		Duration: res.Duration,
		Success:  res.Err == nil,
		At:       b.now(),
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	if err := b.log.RecordExecution(context.WithoutCancel(ctx), e); err != nil {
		b.logger.Error("recording tool execution", err, zap.String("tool", e.Name))
	}
}
