package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/internal/util"
	"github.com/hupe1980/toolmesh/logging"
	"github.com/hupe1980/toolmesh/policy"
)

const (
	// MaxAttemptTimeout caps the per-attempt time budget after growth.
	MaxAttemptTimeout = 180 * time.Second
	// AttemptTimeoutGrowth is the fraction of the base timeout added per attempt.
	AttemptTimeoutGrowth = 0.3
)

// ErrEngineClosed is returned when a backoff sleep is interrupted by Close.
var ErrEngineClosed = errors.New("adapter engine closed")

// Options configures an Engine.
type Options struct {
	// Policy supplies timeouts, retries and backoff. Engines sharing a policy
	// share its adaptive state.
	Policy *policy.TimeoutPolicy
	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger
	// After returns a channel that fires after d; defaults to time.After.
	// Tests replace it to skip real backoff sleeps.
	After func(d time.Duration) <-chan time.Time
}

// Engine wraps a core.Adapter with connection management and the
// retry/timeout loop. Retries for one call are strictly sequential. An Engine
// is safe for concurrent use.
type Engine struct {
	adapter core.Adapter
	policy  *policy.TimeoutPolicy
	logger  logging.Logger
	after   func(d time.Duration) <-chan time.Time

	mu        sync.Mutex
	connected bool

	closed    chan struct{}
	closeOnce sync.Once
}

// NewEngine wraps a with the execution engine.
func NewEngine(a core.Adapter, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Logger: logging.NoOpLogger{},
		After:  time.After,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Policy == nil {
		opts.Policy = policy.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.After == nil {
		opts.After = time.After
	}

	return &Engine{
		adapter: a,
		policy:  opts.Policy,
		logger:  opts.Logger,
		after:   opts.After,
		closed:  make(chan struct{}),
	}
}

// Name returns the wrapped adapter's name.
func (e *Engine) Name() string { return e.adapter.Name() }

// Adapter returns the wrapped adapter.
func (e *Engine) Adapter() core.Adapter { return e.adapter }

// Policy returns the timeout policy in use.
func (e *Engine) Policy() *policy.TimeoutPolicy { return e.policy }

// Connected reports whether the last connect succeeded.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Connect connects the adapter if it is not connected yet. Failures are
// returned as connection errors.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected {
		return nil
	}
	return e.connectLocked(ctx)
}

func (e *Engine) connectLocked(ctx context.Context) error {
	if err := e.adapter.Connect(ctx); err != nil {
		e.connected = false
		if kind, ok := core.KindOf(err); ok && kind == core.KindConnection {
			return err
		}
		return core.NewConnectionError(e.Name(), err, "failed to connect to %s: %v", e.Name(), err)
	}
	e.connected = true
	e.logger.Debug("adapter.connected", "adapter", e.Name())
	return nil
}

func (e *Engine) reconnect(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.connected = false
	if err := e.connectLocked(ctx); err != nil {
		e.logger.Warn("adapter.reconnect.failed", "adapter", e.Name(), "error", err.Error())
	}
}

// Disconnect disconnects the adapter. Failures are logged, never returned.
func (e *Engine) Disconnect(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return
	}
	e.connected = false
	if err := e.adapter.Disconnect(ctx); err != nil {
		e.logger.Warn("adapter.disconnect.failed", "adapter", e.Name(), "error", err.Error())
		return
	}
	e.logger.Debug("adapter.disconnected", "adapter", e.Name())
}

// Close interrupts pending backoff sleeps and disconnects the adapter.
func (e *Engine) Close(ctx context.Context) {
	e.closeOnce.Do(func() { close(e.closed) })
	e.Disconnect(ctx)
}

// AttemptTimeout returns the time budget for attempt (0 based):
// min(base * (1 + 0.3*attempt), 180s).
func AttemptTimeout(base time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * (1 + AttemptTimeoutGrowth*float64(attempt)))
	if d > MaxAttemptTimeout {
		return MaxAttemptTimeout
	}
	return d
}

// attemptResult is the outcome of one attempt.
type attemptResult struct {
	value any
	err   error
}

// Execute runs command against the adapter, retrying transient failures
// according to the policy. Terminal failures are returned as tool execution
// errors wrapping the last attempt's error, with sanitized parameters in the
// details.
func (e *Engine) Execute(ctx context.Context, command string, params map[string]any, opts core.ExecOptions) (any, error) {
	name := e.Name()
	operation := opts.Operation
	if operation == "" {
		operation = command
	}
	if params == nil {
		params = map[string]any{}
	}

	if err := e.Connect(ctx); err != nil {
		e.policy.RecordError(name, operation, err)
		return nil, err
	}

	maxRetries := e.policy.GetMaxRetries(name, opts.MaxRetries)
	start := time.Now()

	var last attemptResult
	for attempt := 0; attempt <= maxRetries; attempt++ {
		base := e.policy.GetTimeout(name, operation, opts.Timeout)
		timeout := AttemptTimeout(base, attempt)

		if attempt > 0 {
			delay := e.policy.CalculateBackoff(attempt-1, name, operation)
			e.logger.Debug("adapter.execute.backoff", "adapter", name, "command", command, "attempt", attempt, "delay", delay)
			if err := e.wait(ctx, delay); err != nil {
				return nil, e.fail(command, operation, params, attempt, err)
			}
		}

		last = e.runAttempt(ctx, command, operation, params, opts, timeout)
		if last.err == nil {
			if attempt > 0 {
				e.logger.Info("adapter.execute.recovered", "adapter", name, "command", command, "attempts", attempt+1)
			}
			e.logger.Debug("adapter.execute.completed", "adapter", name, "command", command, "duration", time.Since(start))
			return last.value, nil
		}

		e.policy.RecordError(name, operation, last.err)

		if ctx.Err() != nil {
			return nil, e.fail(command, operation, params, attempt+1, last.err)
		}

		if kind, ok := core.KindOf(last.err); ok && kind == core.KindConnection {
			e.reconnect(ctx)
		}

		if !IsRetryable(last.err) || attempt == maxRetries {
			return nil, e.fail(command, operation, params, attempt+1, last.err)
		}

		e.logger.Warn("adapter.execute.retry",
			"adapter", name,
			"command", command,
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"error", last.err.Error(),
		)
	}

	// Unreachable unless maxRetries is negative.
	if last.err == nil {
		last.err = core.NewInternalError(nil, "adapter %s: no attempt was made for %s", name, command)
	}
	return nil, e.fail(command, operation, params, maxRetries+1, last.err)
}

// runAttempt races the adapter call against timeout. On timeout the attempt
// context is cancelled so the adapter can abort, and the call's eventual
// result is discarded. The call counts as in flight until the adapter
// returns, even after the attempt has given up on it.
func (e *Engine) runAttempt(
	ctx context.Context,
	command, operation string,
	params map[string]any,
	opts core.ExecOptions,
	timeout time.Duration,
) attemptResult {
	name := e.Name()

	e.policy.TrackRequest(name, operation)

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer e.policy.CompleteRequest(name, operation)
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: core.NewInternalError(nil, "adapter %s panicked: %v", name, r)}
			}
		}()
		v, err := e.adapter.Execute(attemptCtx, command, params, opts)
		done <- attemptResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		// A failure caused by our own deadline is reported as a timeout.
		if res.err == nil || attemptCtx.Err() == nil {
			return res
		}
	case <-attemptCtx.Done():
	}

	if ctx.Err() != nil {
		return attemptResult{err: ctx.Err()}
	}
	return attemptResult{err: core.NewTimeoutError(operation, attemptCtx.Err(),
		"%s.%s timed out after %s", name, operation, timeout)}
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrEngineClosed
	case <-e.after(d):
		return nil
	}
}

func (e *Engine) fail(command, operation string, params map[string]any, attempts int, cause error) error {
	name := e.Name()
	detail := core.FormatError(cause)

	err := core.NewToolExecutionError(name, cause, "%s %s failed after %d attempt(s): %s", name, command, attempts, cause.Error()).
		WithDetail("command", command).
		WithDetail("operation", operation).
		WithDetail("attempts", attempts).
		WithDetail("parameters", util.RedactMap(params, util.ParameterSensitiveKeys)).
		WithDetail("cause", map[string]any{"type": detail.Type, "code": detail.Code, "message": detail.Message})

	e.logger.Error("adapter.execute.failed",
		"adapter", name,
		"command", command,
		"attempts", attempts,
		"error", cause.Error(),
	)

	return err
}

// HealthCheck connects if needed and runs the adapter's probe. It never
// fails; problems are reported in the returned status.
func (e *Engine) HealthCheck(ctx context.Context) (status core.HealthStatus) {
	status = core.HealthStatus{Adapter: e.Name()}

	defer func() {
		if r := recover(); r != nil {
			status.Status = core.StatusUnhealthy
			status.Details = nil
			status.Error = fmt.Sprintf("health check panicked: %v", r)
		}
	}()

	if err := e.Connect(ctx); err != nil {
		status.Status = core.StatusUnhealthy
		status.Error = err.Error()
		return status
	}

	details, err := e.adapter.HealthCheck(ctx)
	if err != nil {
		status.Status = core.StatusUnhealthy
		status.Error = err.Error()
		return status
	}

	status.Status = core.StatusHealthy
	status.Details = details
	return status
}
