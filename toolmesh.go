// Package toolmesh provides a high-level façade over the command processing
// pipeline: session store, timeout policy, adapter execution engines, command
// router and protocol coordinator. Most applications interact with this
// package by:
//  1. Creating a Mesh via New() (optionally overriding the default in-memory session store and policy)
//  2. Registering backend adapters (RegisterAdapter) and command handlers (Register)
//  3. Feeding commands through Dispatch or, for raw transport input, DispatchRaw
//
// Handlers reach adapters through Mesh.Execute, which runs every call through
// the adapter's engine with policy driven timeouts, retries and backoff.
package toolmesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/toolmesh/adapter"
	"github.com/hupe1980/toolmesh/config"
	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/logging"
	"github.com/hupe1980/toolmesh/policy"
	"github.com/hupe1980/toolmesh/protocol"
	"github.com/hupe1980/toolmesh/router"
	"github.com/hupe1980/toolmesh/session"
)

// Options configures the Mesh instance.
type Options struct {
	// SessionStore defaults to a session.InMemoryStore. The mesh closes the
	// store on Close.
	SessionStore core.SessionStore

	// Policy is shared by every registered adapter engine.
	Policy *policy.TimeoutPolicy

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// After is handed to adapter engines for backoff sleeps; defaults to
	// time.After.
	After func(d time.Duration) <-chan time.Time

	// Config supplies the session and policy settings used when SessionStore
	// or Policy are not set.
	Config *config.Config

	// DisableBuiltins skips registration of the built-in commands (ping,
	// commands, session.*, adapters.health, policy.stats).
	DisableBuiltins bool
}

// Mesh is the high-level façade aggregating store, policy, engines and router.
type Mesh struct {
	opts        Options
	store       core.SessionStore
	policy      *policy.TimeoutPolicy
	coordinator *protocol.Coordinator
	router      *router.Router
	logger      logging.Logger

	mu      sync.RWMutex
	engines map[string]*adapter.Engine

	closeOnce sync.Once
	closeErr  error
}

// New creates a new Mesh with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.SessionStore == nil {
		opts.SessionStore = session.NewInMemoryStore(opts.Config.SessionOptions(), func(o *session.Options) {
			o.Logger = opts.Logger
		})
	}
	if opts.Policy == nil {
		opts.Policy = policy.New(opts.Config.PolicyOptions(), func(o *policy.Options) {
			o.Logger = opts.Logger
		})
	}

	coordinator := protocol.New(opts.SessionStore, func(o *protocol.Options) { o.Logger = opts.Logger })

	m := &Mesh{
		opts:        opts,
		store:       opts.SessionStore,
		policy:      opts.Policy,
		coordinator: coordinator,
		router:      router.New(coordinator, func(o *router.Options) { o.Logger = opts.Logger }),
		logger:      opts.Logger,
		engines:     make(map[string]*adapter.Engine),
	}

	if !opts.DisableBuiltins {
		m.registerBuiltins()
	}

	return m
}

// Sessions returns the session store.
func (m *Mesh) Sessions() core.SessionStore { return m.store }

// Policy returns the shared timeout policy.
func (m *Mesh) Policy() *policy.TimeoutPolicy { return m.policy }

// Router returns the command router.
func (m *Mesh) Router() *router.Router { return m.router }

// Register adds a command handler.
func (m *Mesh) Register(name string, handler core.Handler, opts router.RegisterOptions) error {
	return m.router.Register(name, handler, opts)
}

// Unregister removes a command handler.
func (m *Mesh) Unregister(name string) bool { return m.router.Unregister(name) }

// Commands lists the registered commands.
func (m *Mesh) Commands() []router.CommandInfo { return m.router.Commands() }

// RegisterAdapter wraps a in an execution engine sharing the mesh policy.
// Adapter names must be unique.
func (m *Mesh) RegisterAdapter(a core.Adapter) (*adapter.Engine, error) {
	if a == nil || a.Name() == "" {
		return nil, core.NewValidationError("adapter must have a name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[a.Name()]; exists {
		return nil, core.NewValidationError("adapter %q is already registered", a.Name())
	}

	e := adapter.NewEngine(a, func(o *adapter.Options) {
		o.Policy = m.policy
		o.Logger = m.logger
		o.After = m.opts.After
	})
	m.engines[a.Name()] = e

	m.logger.Info("mesh.adapter.registered", "adapter", a.Name())
	return e, nil
}

// Adapter returns the engine registered under name.
func (m *Mesh) Adapter(name string) (*adapter.Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[name]
	return e, ok
}

func (m *Mesh) adapterNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs command on the named adapter through its engine.
func (m *Mesh) Execute(ctx context.Context, adapterName, command string, params map[string]any, opts core.ExecOptions) (any, error) {
	e, ok := m.Adapter(adapterName)
	if !ok {
		return nil, core.NewNotFoundError("unknown adapter %q", adapterName).
			WithDetail("availableAdapters", m.adapterNames())
	}
	return e.Execute(ctx, command, params, opts)
}

// ExposeAdapter registers one router command per entry of commands, named
// "<adapter>.<command>", forwarding the command parameters to the adapter.
func (m *Mesh) ExposeAdapter(adapterName string, commands map[string]router.RegisterOptions) error {
	if _, ok := m.Adapter(adapterName); !ok {
		return core.NewNotFoundError("unknown adapter %q", adapterName)
	}

	for command, opts := range commands {
		command := command
		handler := func(ctx context.Context, cmd core.CommandEnvelope, _ *core.Session) (any, error) {
			return m.Execute(ctx, adapterName, command, cmd.Parameters, core.ExecOptions{})
		}
		if err := m.router.Register(adapterName+"."+command, handler, opts); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck probes every registered adapter concurrently.
func (m *Mesh) HealthCheck(ctx context.Context) map[string]core.HealthStatus {
	m.mu.RLock()
	engines := make([]*adapter.Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]core.HealthStatus, len(engines))
	)
	for _, e := range engines {
		wg.Add(1)
		go func(e *adapter.Engine) {
			defer wg.Done()
			st := e.HealthCheck(ctx)
			mu.Lock()
			out[e.Name()] = st
			mu.Unlock()
		}(e)
	}
	wg.Wait()
	return out
}

// ApplyConfig re-applies the policy section of cfg, e.g. after a reload.
func (m *Mesh) ApplyConfig(cfg *config.Config) {
	m.policy.Apply(cfg.PolicySettings())
	m.logger.Info("mesh.config.applied",
		"default_timeout", cfg.Policy.DefaultTimeout.Std(),
		"default_retries", cfg.Policy.DefaultRetries,
	)
}

// Dispatch routes a normalized command. Only an unknown command is returned
// as an error; every other outcome is carried in the response.
func (m *Mesh) Dispatch(ctx context.Context, env core.CommandEnvelope) (core.ResponseEnvelope, error) {
	return m.router.Dispatch(ctx, env)
}

// DispatchRaw normalizes and routes transport input. It never fails.
func (m *Mesh) DispatchRaw(ctx context.Context, raw core.RawCommand) core.ResponseEnvelope {
	return m.router.DispatchRaw(ctx, raw)
}

// Close disconnects every adapter, interrupting pending backoff sleeps, and
// closes the session store. It is safe to call more than once.
func (m *Mesh) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.RLock()
		engines := make([]*adapter.Engine, 0, len(m.engines))
		for _, e := range m.engines {
			engines = append(engines, e)
		}
		m.mu.RUnlock()

		for _, e := range engines {
			e.Close(ctx)
		}

		if err := m.store.Close(); err != nil {
			m.closeErr = errors.Join(m.closeErr, err)
		}
		m.logger.Info("mesh.closed", "adapters", len(engines))
	})
	return m.closeErr
}
