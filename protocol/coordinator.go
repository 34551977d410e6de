package protocol

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/logging"
)

// Resolver returns the handler for a normalized command. It is used by
// ProcessRaw; a returned error becomes the response error.
type Resolver func(ctx context.Context, env core.CommandEnvelope) (core.Handler, error)

// Options configures a Coordinator.
type Options struct {
	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger
}

// Coordinator is the never-raising boundary between transports and handlers.
// It is safe for concurrent use; all shared state lives in the session store.
type Coordinator struct {
	store  core.SessionStore
	logger logging.Logger
}

// New creates a Coordinator backed by store.
func New(store core.SessionStore, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Coordinator{
		store:  store,
		logger: opts.Logger,
	}
}

// Store returns the session store the coordinator resolves sessions from.
func (c *Coordinator) Store() core.SessionStore { return c.store }

// Process runs handler for env and always returns a response. An unknown or
// expired session is provisioned under the command's session id (or a fresh id
// when the command carries none). The response id echoes the command id.
func (c *Coordinator) Process(ctx context.Context, env core.CommandEnvelope, handler core.Handler) core.ResponseEnvelope {
	start := time.Now()

	if env.Parameters == nil {
		env.Parameters = map[string]any{}
	}

	session, err := c.resolveSession(&env)
	if err != nil {
		return c.respondError(env, start, err)
	}

	if handler == nil {
		return c.respondError(env, start, core.NewInternalError(nil, "no handler for command %q", env.Command))
	}

	result, err := c.invoke(ctx, handler, env, session)
	if err != nil {
		return c.respondError(env, start, err)
	}

	value, patch, err := core.ExtractStatePatch(result)
	if err != nil {
		return c.respondError(env, start, err)
	}

	if patch != nil {
		if err := c.applyPatch(env, patch); err != nil {
			return c.respondError(env, start, fmt.Errorf("apply state patch: %w", err))
		}
	}

	c.logger.Debug("protocol.command.completed",
		"command", env.Command,
		"session_id", env.SessionID,
		"command_id", env.ID,
		"duration", time.Since(start),
	)

	return respond(env, core.NewResultPayload(value))
}

// ProcessRaw normalizes raw and processes it with the handler returned by
// resolve. Normalization and resolution failures become error responses; a
// command that cannot be normalized is answered under a fresh session id.
func (c *Coordinator) ProcessRaw(ctx context.Context, raw core.RawCommand, resolve Resolver) core.ResponseEnvelope {
	start := time.Now()

	env, warnings, err := core.NormalizeCommand(raw)
	if err != nil {
		if env.SessionID == "" {
			env.SessionID = core.NewID()
		}
		return c.respondError(env, start, err)
	}

	for _, w := range warnings {
		c.logger.Debug("protocol.normalize.repaired", "command", env.Command, "command_id", env.ID, "repair", w)
	}

	handler, err := resolve(ctx, env)
	if err != nil {
		return c.respondError(env, start, err)
	}

	return c.Process(ctx, env, handler)
}

func (c *Coordinator) resolveSession(env *core.CommandEnvelope) (session *core.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewInternalError(nil, "session store panicked: %v", r)
		}
	}()

	if env.SessionID != "" {
		session, err = c.store.Get(env.SessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		session, err = c.store.CreateWithID(env.SessionID, nil)
	} else {
		session, err = c.store.Create(nil)
	}
	if err != nil {
		return nil, err
	}

	env.SessionID = session.ID
	c.logger.Debug("protocol.session.created", "session_id", session.ID, "command", env.Command)
	return session, nil
}

// applyPatch writes patch to the session. Function patches run inside the
// store, so a panicking patch is recovered here.
func (c *Coordinator) applyPatch(env core.CommandEnvelope, patch core.Patch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("protocol.patch.panic",
				"command", env.Command,
				"session_id", env.SessionID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = core.NewInternalError(nil, "state patch for %q panicked: %v", env.Command, r)
		}
	}()

	_, err = c.store.Update(env.SessionID, patch)
	return err
}

func (c *Coordinator) invoke(ctx context.Context, handler core.Handler, env core.CommandEnvelope, session *core.Session) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("protocol.handler.panic",
				"command", env.Command,
				"session_id", env.SessionID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			result = nil
			err = core.NewInternalError(nil, "handler %q panicked: %v", env.Command, r)
		}
	}()

	return handler(ctx, env, session)
}

func (c *Coordinator) respondError(env core.CommandEnvelope, start time.Time, err error) core.ResponseEnvelope {
	detail := core.FormatError(err)

	c.logger.Warn("protocol.command.failed",
		"command", env.Command,
		"session_id", env.SessionID,
		"command_id", env.ID,
		"code", detail.Code,
		"error", detail.Message,
		"duration", time.Since(start),
	)

	return respond(env, core.NewErrorPayload(detail))
}

func respond(env core.CommandEnvelope, p core.ResponsePayload) core.ResponseEnvelope {
	resp := core.BuildResponse(env.SessionID, p)
	if env.ID != "" {
		resp.ID = env.ID
	}
	return resp
}
