package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/toolmesh/core"
)

// Call records one Execute invocation on a fake adapter.
type Call struct {
	Command  string
	Params   map[string]any
	Options  core.ExecOptions
	Started  time.Time
	Deadline time.Time
}

// Budget returns the time budget the call was given, or zero without a deadline.
func (c Call) Budget() time.Duration {
	if c.Deadline.IsZero() {
		return 0
	}
	return c.Deadline.Sub(c.Started)
}

// ScriptedAdapter is a core.Adapter whose Execute outcomes follow a script.
// Each call consumes the next step; once the script is exhausted the last
// step repeats. A step with Block set waits for the call's context to end.
type ScriptedAdapter struct {
	name string

	mu          sync.Mutex
	steps       []Step
	calls       []Call
	connects    int
	disconnects int

	// ConnectErrs are returned by successive Connect calls; nil entries and
	// calls beyond the slice succeed.
	ConnectErrs []error
	// DisconnectErr is returned by Disconnect.
	DisconnectErr error
	// HealthErr is returned by HealthCheck.
	HealthErr error
}

// Step is one scripted outcome.
type Step struct {
	Value any
	Err   error
	Block bool
	Delay time.Duration
}

// NewScriptedAdapter creates a scripted adapter.
func NewScriptedAdapter(name string, steps ...Step) *ScriptedAdapter {
	return &ScriptedAdapter{name: name, steps: steps}
}

// Name returns the adapter name.
func (a *ScriptedAdapter) Name() string { return a.name }

// Connect records the call and returns the next scripted connect error.
func (a *ScriptedAdapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.connects
	a.connects++
	if i < len(a.ConnectErrs) {
		return a.ConnectErrs[i]
	}
	return nil
}

// Disconnect records the call.
func (a *ScriptedAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
	return a.DisconnectErr
}

// Execute plays the next step.
func (a *ScriptedAdapter) Execute(ctx context.Context, command string, params map[string]any, opts core.ExecOptions) (any, error) {
	call := Call{Command: command, Params: params, Options: opts, Started: time.Now()}
	if dl, ok := ctx.Deadline(); ok {
		call.Deadline = dl
	}

	a.mu.Lock()
	idx := len(a.calls)
	a.calls = append(a.calls, call)
	var step Step
	if len(a.steps) > 0 {
		if idx >= len(a.steps) {
			idx = len(a.steps) - 1
		}
		step = a.steps[idx]
	}
	a.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return step.Value, step.Err
}

// HealthCheck returns HealthErr or a static detail map.
func (a *ScriptedAdapter) HealthCheck(context.Context) (map[string]any, error) {
	if a.HealthErr != nil {
		return nil, a.HealthErr
	}
	return map[string]any{"probe": "ok"}, nil
}

// Calls returns a copy of the recorded Execute calls.
func (a *ScriptedAdapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// Connects returns the number of Connect calls.
func (a *ScriptedAdapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// Disconnects returns the number of Disconnect calls.
func (a *ScriptedAdapter) Disconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnects
}

// ErrBoom is a generic terminal error for tests.
var ErrBoom = errors.New("boom")

// ImmediateAfter returns an After func that fires at once and records the
// requested delays.
func ImmediateAfter() (func(time.Duration) <-chan time.Time, func() []time.Duration) {
	var mu sync.Mutex
	var delays []time.Duration
	after := func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	recorded := func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		out := make([]time.Duration, len(delays))
		copy(out, delays)
		return out
	}
	return after, recorded
}
