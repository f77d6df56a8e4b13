package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// DefaultTimeout bounds a handler run when neither the registration nor
// the dispatcher sets one.
const DefaultTimeout = 30 * time.Second

// Outcome is the result of one handler run. Err is nil on success.
type Outcome struct {
	Result   any
	Err      error
	Duration time.Duration
}

// Failed reports whether the handler did not succeed.
func (o Outcome) Failed() bool { return o.Err != nil }

// Dispatcher runs registered handlers with a timeout and panic isolation.
// A handler failure of any kind is reported in the Outcome, never as a
// dispatcher error.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		logger:   slog.Default().With("component", "executor"),
	}
}

// Registry returns the handler registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Run executes the handler for actionType.
//
// When the timeout fires the handler's context is cancelled and Run
// returns immediately; a handler that ignores its context keeps running
// in the background, and its late result is discarded.
func (d *Dispatcher) Run(ctx context.Context, actionType string, target, params json.RawMessage) Outcome {
	start := time.Now()
	e, ok := d.registry.lookup(actionType)
	if !ok {
		return Outcome{Err: fmt.Errorf("%w for action type %q", ErrNoHandler, actionType)}
	}

	timeout := d.timeout
	if e.timeout > 0 {
		timeout = e.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.ErrorContext(ctx, "handler panicked",
					"action_type", actionType, "panic", r, "stack", string(debug.Stack()))
				done <- Outcome{Err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		res, err := e.handler.Execute(runCtx, target, params)
		done <- Outcome{Result: res, Err: err}
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = Outcome{Err: fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)}
		if ctx.Err() != nil {
			out.Err = fmt.Errorf("handler cancelled: %w", ctx.Err())
		}
	}
	out.Duration = time.Since(start)
	return out
}
