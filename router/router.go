package router

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/internal/util"
	"github.com/hupe1980/toolmesh/logging"
	"github.com/hupe1980/toolmesh/protocol"
)

// RegisterOptions describes a registered command.
type RegisterOptions struct {
	// Description is a human readable summary listed by Commands.
	Description string
	// Schema is a JSON schema for the command parameters. See
	// util.ValidateParameters for the supported subset.
	Schema map[string]any
}

// CommandInfo is the public description of a registered command.
type CommandInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

type entry struct {
	handler core.Handler
	opts    RegisterOptions
}

// Options configures a Router.
type Options struct {
	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger
}

// Router is a concurrency safe registry of command handlers.
type Router struct {
	coordinator *protocol.Coordinator
	logger      logging.Logger

	mu       sync.RWMutex
	handlers map[string]entry
}

// New creates an empty router dispatching through coordinator.
func New(coordinator *protocol.Coordinator, optFns ...func(o *Options)) *Router {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Router{
		coordinator: coordinator,
		logger:      opts.Logger,
		handlers:    make(map[string]entry),
	}
}

// Register binds handler to name, replacing any previous registration.
func (r *Router) Register(name string, handler core.Handler, opts RegisterOptions) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.NewValidationError("command name is required")
	}
	if handler == nil {
		return core.NewValidationError("handler for %q must not be nil", name)
	}

	r.mu.Lock()
	_, replaced := r.handlers[name]
	r.handlers[name] = entry{handler: handler, opts: opts}
	r.mu.Unlock()

	r.logger.Debug("router.command.registered", "command", name, "replaced", replaced)
	return nil
}

// Unregister removes name and reports whether it was registered.
func (r *Router) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[name]; !ok {
		return false
	}
	delete(r.handlers, name)
	return true
}

// Has reports whether a handler is registered under name.
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Commands lists the registered commands sorted by name.
func (r *Router) Commands() []CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CommandInfo, 0, len(r.handlers))
	for name, e := range r.handlers {
		out = append(out, CommandInfo{Name: name, Description: e.opts.Description, Schema: e.opts.Schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Router) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the handler for env after checking its parameters against
// the registered schema. Schema problems are logged, never returned. An
// unknown command yields a NotFound error listing the known commands.
func (r *Router) Resolve(_ context.Context, env core.CommandEnvelope) (core.Handler, error) {
	r.mu.RLock()
	e, ok := r.handlers[env.Command]
	r.mu.RUnlock()

	if !ok {
		return nil, core.NewNotFoundError("unknown command %q", env.Command).
			WithDetail("command", env.Command).
			WithDetail("availableCommands", r.names())
	}

	if e.opts.Schema != nil {
		for _, problem := range util.ValidateParameters(env.Parameters, e.opts.Schema) {
			r.logger.Warn("router.parameters.invalid",
				"command", env.Command,
				"command_id", env.ID,
				"field", problem.Field,
				"error", problem.Message,
			)
		}
	}

	return e.handler, nil
}

// Dispatch runs env through its handler. Only an unknown command is returned
// as an error; every other outcome, including handler failures, is carried in
// the response.
func (r *Router) Dispatch(ctx context.Context, env core.CommandEnvelope) (core.ResponseEnvelope, error) {
	handler, err := r.Resolve(ctx, env)
	if err != nil {
		r.logger.Warn("router.command.unknown", "command", env.Command, "command_id", env.ID)
		return core.ResponseEnvelope{}, err
	}
	return r.coordinator.Process(ctx, env, handler), nil
}

// DispatchRaw normalizes raw and dispatches it. It never fails: unknown
// commands and malformed input are reported in the response.
func (r *Router) DispatchRaw(ctx context.Context, raw core.RawCommand) core.ResponseEnvelope {
	return r.coordinator.ProcessRaw(ctx, raw, r.Resolve)
}
