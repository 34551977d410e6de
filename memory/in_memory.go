package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/internal/util"
)

// storedMemory is the internal representation persisted by InMemoryStore.
type storedMemory struct {
	id        string
	content   string
	metadata  map[string]any
	createdAt time.Time
}

// namespace holds one partition of the store.
type namespace struct {
	values   map[string]any
	memories []storedMemory
	nextID   int
}

// InMemoryStore is a naive process-local core.MemoryStore. It offers:
//  1. Namespace scoped key/value memory (Get / Put)
//  2. Append-only stored snippets with substring Search
//
// Concurrency: protected by RWMutex. Values are deep cloned on the way in and
// out. Search is a linear, case-insensitive substring scan in insertion order
// assigning a constant score of 1.0 to every hit.
type InMemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
	now        func() time.Time
}

// NewInMemoryStore creates a new in-memory memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		namespaces: make(map[string]*namespace),
		now:        time.Now,
	}
}

func (m *InMemoryStore) namespaceLocked(name string) *namespace {
	ns, ok := m.namespaces[name]
	if !ok {
		ns = &namespace{values: make(map[string]any)}
		m.namespaces[name] = ns
	}
	return ns
}

// Get returns a deep copy of the namespace's key/value map.
func (m *InMemoryStore) Get(ctx context.Context, name string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.namespaces[name]
	if !ok {
		return map[string]any{}, nil
	}
	return util.CloneMap(ns.values), nil
}

// Put merges delta into the namespace's key/value map.
func (m *InMemoryStore) Put(ctx context.Context, name string, delta map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns := m.namespaceLocked(name)
	for k, v := range util.CloneMap(delta) {
		ns.values[k] = v
	}
	return nil
}

// Search returns up to limit snippets whose content contains query. An empty
// query matches everything; a non-positive limit means no limit.
func (m *InMemoryStore) Search(ctx context.Context, name string, query string, limit int) ([]core.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := []core.SearchResult{}
	ns, ok := m.namespaces[name]
	if !ok {
		return results, nil
	}

	needle := strings.ToLower(query)
	for _, stored := range ns.memories {
		if limit > 0 && len(results) >= limit {
			break
		}
		if needle == "" || strings.Contains(strings.ToLower(stored.content), needle) {
			results = append(results, core.SearchResult{
				ID:        stored.id,
				Content:   stored.content,
				Score:     1.0,
				Metadata:  util.CloneMap(stored.metadata),
				CreatedAt: stored.createdAt.UTC().Format(core.TimestampLayout),
			})
		}
	}
	return results, nil
}

// Store appends a snippet, generating an incremental id unique within the
// namespace.
func (m *InMemoryStore) Store(ctx context.Context, name string, content string, metadata map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns := m.namespaceLocked(name)
	id := fmt.Sprintf("mem_%d", ns.nextID)
	ns.nextID++
	ns.memories = append(ns.memories, storedMemory{
		id:        id,
		content:   content,
		metadata:  util.CloneMap(metadata),
		createdAt: m.now(),
	})
	return id, nil
}

// Delete removes a stored snippet by id.
func (m *InMemoryStore) Delete(ctx context.Context, name string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ns, ok := m.namespaces[name]; ok {
		for i, stored := range ns.memories {
			if stored.id == id {
				ns.memories = append(ns.memories[:i], ns.memories[i+1:]...)
				return nil
			}
		}
	}
	return core.NewNotFoundError("memory %q not found in namespace %q", id, name)
}

// Stats reports the number of namespaces and stored snippets.
func (m *InMemoryStore) Stats(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snippets := 0
	for _, ns := range m.namespaces {
		snippets += len(ns.memories)
	}
	return map[string]any{"namespaces": len(m.namespaces), "memories": snippets}, nil
}
