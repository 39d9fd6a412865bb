package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"go.uber.org/zap"
)

const (
	DefaultReconnectBaseDelay   = 500 * time.Millisecond
	DefaultReconnectMaxDelay    = 8 * time.Second
	DefaultReconnectMaxAttempts = 5
)

type ReconnectPolicy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   DefaultReconnectBaseDelay,
		MaxDelay:    DefaultReconnectMaxDelay,
		MaxAttempts: DefaultReconnectMaxAttempts,
	}
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultReconnectBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// ReconnectState is the attempt counter and the delay scheduled before the
// current attempt. The zero value is the state after a successful connect.
type ReconnectState struct {
	Attempt int
	Delay   time.Duration
}

func (s ReconnectState) Exhausted(p ReconnectPolicy) bool {
	return s.Attempt >= p.normalized().MaxAttempts
}

// Next returns the state for the following attempt. The delay doubles per
// attempt, starting at the base delay, and is capped at the max delay.
func (s ReconnectState) Next(p ReconnectPolicy) ReconnectState {
	p = p.normalized()
	delay := p.BaseDelay
	for i := 0; i < s.Attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return ReconnectState{Attempt: s.Attempt + 1, Delay: delay}
}

type DialFunc func(ctx context.Context) error

// Reconnector runs the backoff loop. At most one loop runs at a time.
type Reconnector struct {
	policy ReconnectPolicy
	logger shared.LoggerAdapter
	sleep  func(ctx context.Context, d time.Duration) error

	inFlight atomic.Bool
	mu       sync.Mutex
	state    ReconnectState
}

func NewReconnector(policy ReconnectPolicy, logger shared.LoggerAdapter) *Reconnector {
	return &Reconnector{
		policy: policy.normalized(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

func (r *Reconnector) Policy() ReconnectPolicy { return r.policy }

func (r *Reconnector) State() ReconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) InFlight() bool { return r.inFlight.Load() }

// Reset zeroes the state after a connect that happened outside Run.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.state = ReconnectState{}
	r.mu.Unlock()
}

// Run retries dial until it succeeds, the policy is exhausted, or ctx ends.
// A concurrent call returns shared.ErrReconnectInFlight immediately.
func (r *Reconnector) Run(ctx context.Context, dial DialFunc) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		return shared.ErrReconnectInFlight
	}
	defer r.inFlight.Store(false)

	var lastErr error
	for {
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()
		if state.Exhausted(r.policy) {
			r.Reset()
			if lastErr == nil {
				return shared.ErrReconnectExhausted
			}
			return fmt.Errorf("after %d attempts: %w: %w", state.Attempt, shared.ErrReconnectExhausted, lastErr)
		}
		state = state.Next(r.policy)
		r.mu.Lock()
		r.state = state
		r.mu.Unlock()

		r.logger.Info("reconnect scheduled",
			zap.Int("attempt", state.Attempt),
			zap.Duration("delay", state.Delay),
		)
		if err := r.sleep(ctx, state.Delay); err != nil {
			r.Reset()
			return err
		}
		err := dial(ctx)
		if err == nil {
			r.Reset()
			r.logger.Info("reconnected", zap.Int("attempt", state.Attempt))
			return nil
		}
		if errors.Is(err, context.Canceled) {
			r.Reset()
			return err
		}
		lastErr = err
		r.logger.Error("reconnect attempt failed", err, zap.Int("attempt", state.Attempt))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
