package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/internal/util"
)

// Memory adapter commands.
const (
	CommandGet    = "get"
	CommandPut    = "put"
	CommandStore  = "store"
	CommandSearch = "search"
	CommandDelete = "delete"
)

const (
	// DefaultNamespace is used when a command carries no namespace parameter.
	DefaultNamespace = "default"
	// DefaultSearchLimit bounds search results when no limit is given.
	DefaultSearchLimit = 10
)

// Pinger is implemented by stores that can verify their backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsReporter is implemented by stores that can describe their contents for
// health checks.
type StatsReporter interface {
	Stats(ctx context.Context) (map[string]any, error)
}

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	// Name is the adapter name used for policy keys; defaults to "memory".
	Name string
}

// Adapter exposes a core.MemoryStore as a core.Adapter so memory commands run
// through the execution engine with timeouts and retries.
//
// Commands and parameters:
//
//	get     namespace, key?            -> {values} or {key, value, found}
//	put     namespace, values | key+value -> {updated}
//	store   namespace, content, metadata? -> {id}
//	search  namespace, query?, limit?  -> {results, count}
//	delete  namespace, id              -> {deleted}
type Adapter struct {
	name  string
	store core.MemoryStore
}

// NewAdapter wraps store.
func NewAdapter(store core.MemoryStore, optFns ...func(o *AdapterOptions)) *Adapter {
	opts := AdapterOptions{
		Name: "memory",
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Name == "" {
		opts.Name = "memory"
	}

	return &Adapter{name: opts.Name, store: store}
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.name }

// Store returns the wrapped memory store.
func (a *Adapter) Store() core.MemoryStore { return a.store }

// Connect pings the store when it supports it.
func (a *Adapter) Connect(ctx context.Context) error {
	if p, ok := a.store.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return core.NewConnectionError(a.name, err, "memory backend unreachable: %v", err)
		}
	}
	return nil
}

// Disconnect is a no-op; the store's lifetime belongs to its creator.
func (a *Adapter) Disconnect(context.Context) error { return nil }

// HealthCheck pings the store and reports its statistics when available.
func (a *Adapter) HealthCheck(ctx context.Context) (map[string]any, error) {
	if p, ok := a.store.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return nil, err
		}
	}

	details := map[string]any{"backend": fmt.Sprintf("%T", a.store)}
	if r, ok := a.store.(StatsReporter); ok {
		stats, err := r.Stats(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range stats {
			details[k] = v
		}
	}
	return details, nil
}

// Execute runs one memory command.
func (a *Adapter) Execute(ctx context.Context, command string, params map[string]any, _ core.ExecOptions) (any, error) {
	ns := stringParam(params, "namespace")
	if ns == "" {
		ns = DefaultNamespace
	}

	switch command {
	case CommandGet:
		values, err := a.store.Get(ctx, ns)
		if err != nil {
			return nil, err
		}
		if key := stringParam(params, "key"); key != "" {
			value, found := values[key]
			return map[string]any{"key": key, "value": value, "found": found}, nil
		}
		return map[string]any{"values": values}, nil

	case CommandPut:
		delta, err := putDelta(params)
		if err != nil {
			return nil, err
		}
		if err := a.store.Put(ctx, ns, delta); err != nil {
			return nil, err
		}
		return map[string]any{"updated": len(delta)}, nil

	case CommandStore:
		content := stringParam(params, "content")
		if content == "" {
			return nil, core.NewValidationError("store requires a non-empty content parameter")
		}
		metadata, _ := params["metadata"].(map[string]any)
		id, err := a.store.Store(ctx, ns, content, metadata)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil

	case CommandSearch:
		limit, err := intParam(params, "limit", DefaultSearchLimit)
		if err != nil {
			return nil, err
		}
		results, err := a.store.Search(ctx, ns, stringParam(params, "query"), limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results, "count": len(results)}, nil

	case CommandDelete:
		id := stringParam(params, "id")
		if id == "" {
			return nil, core.NewValidationError("delete requires an id parameter")
		}
		if err := a.store.Delete(ctx, ns, id); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil

	default:
		return nil, core.NewValidationError("unknown memory command %q", command).
			WithDetail("commands", []string{CommandGet, CommandPut, CommandStore, CommandSearch, CommandDelete})
	}
}

// Schemas returns parameter schemas for the memory commands, keyed by command.
func Schemas() map[string]map[string]any {
	return map[string]map[string]any{
		CommandGet:    util.CreateSchema(getParams{}),
		CommandPut:    util.CreateSchema(putParams{}),
		CommandStore:  util.CreateSchema(storeParams{}),
		CommandSearch: util.CreateSchema(searchParams{}),
		CommandDelete: util.CreateSchema(deleteParams{}),
	}
}

type getParams struct {
	Namespace string `json:"namespace,omitempty" description:"Memory namespace"`
	Key       string `json:"key,omitempty" description:"Return only this key"`
}

type putParams struct {
	Namespace string         `json:"namespace,omitempty" description:"Memory namespace"`
	Values    map[string]any `json:"values,omitempty" description:"Values merged into the namespace"`
	Key       string         `json:"key,omitempty" description:"Single key to set, with value"`
}

type storeParams struct {
	Namespace string         `json:"namespace,omitempty" description:"Memory namespace"`
	Content   string         `json:"content" description:"Text to remember"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type searchParams struct {
	Namespace string `json:"namespace,omitempty" description:"Memory namespace"`
	Query     string `json:"query,omitempty" description:"Case-insensitive substring"`
	Limit     int    `json:"limit,omitempty" description:"Maximum results"`
}

type deleteParams struct {
	Namespace string `json:"namespace,omitempty" description:"Memory namespace"`
	ID        string `json:"id" description:"Memory id returned by store"`
}

func putDelta(params map[string]any) (map[string]any, error) {
	if values, ok := params["values"].(map[string]any); ok {
		return values, nil
	}
	if key := stringParam(params, "key"); key != "" {
		return map[string]any{key: params["value"]}, nil
	}
	return nil, core.NewValidationError("put requires a values object or a key parameter")
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func intParam(params map[string]any, key string, def int) (int, error) {
	switch v := params[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, core.NewValidationError("%s must be an integer: %v", key, err)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, core.NewValidationError("%s must be an integer: %v", key, err)
		}
		return n, nil
	default:
		return 0, core.NewValidationError("%s must be an integer, got %T", key, v)
	}
}
