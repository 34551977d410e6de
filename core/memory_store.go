package core

import "context"

// MemoryStore is the backend contract of the key-value memory adapter. Data is
// partitioned by namespace: each namespace holds a key/value map and a list of
// stored content snippets that can be searched.
type MemoryStore interface {
	// Get returns a copy of the namespace's key/value map.
	Get(ctx context.Context, namespace string) (map[string]any, error)
	// Put merges delta into the namespace's key/value map.
	Put(ctx context.Context, namespace string, delta map[string]any) error
	// Search returns up to limit stored snippets containing query, oldest first.
	Search(ctx context.Context, namespace string, query string, limit int) ([]SearchResult, error)
	// Store appends a snippet and returns its id.
	Store(ctx context.Context, namespace string, content string, metadata map[string]any) (string, error)
	// Delete removes a stored snippet. A missing id yields a NotFound error.
	Delete(ctx context.Context, namespace string, id string) error
}
