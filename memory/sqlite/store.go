// Package sqlite implements core.MemoryStore on top of SQLite using the pure
// Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hupe1980/toolmesh/core"
)

const (
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	defaultBusyTimeoutMS = 5000
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`,
	`CREATE TABLE IF NOT EXISTS memories (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		namespace  TEXT NOT NULL,
		content    TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS memories_namespace ON memories (namespace, seq)`,
}

// Options configures a Store.
type Options struct {
	// BusyTimeoutMS is the SQLite busy timeout; defaults to 5000.
	BusyTimeoutMS int
	// Now is the clock used for created_at; defaults to time.Now.
	Now func() time.Time
}

// Store is a durable core.MemoryStore. Values and metadata are stored as JSON,
// so values read back carry JSON types (numbers become float64).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		BusyTimeoutMS: defaultBusyTimeoutMS,
		Now:           time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = defaultBusyTimeoutMS
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	path = strings.TrimSpace(path)
	if path == "" {
		path = MemoryPath
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	cleanupOnErr := true
	defer func() {
		if cleanupOnErr {
			_ = db.Close()
		}
	}()

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db, path, opts.BusyTimeoutMS); err != nil {
		return nil, err
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	cleanupOnErr = false
	return &Store{db: db, now: opts.Now}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, path string, busyTimeoutMS int) error {
	statements := []string{
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
	}
	if path != MemoryPath {
		statements = append([]string{"PRAGMA journal_mode=WAL"}, statements...)
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	return nil
}

func ensureParentDir(path string) error {
	if path == MemoryPath || strings.HasPrefix(path, "file:") {
		return nil
	}
	parentDir := filepath.Dir(path)
	if parentDir == "." || parentDir == "" {
		return nil
	}
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("create sqlite parent directory %q: %w", parentDir, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Get returns the namespace's key/value map.
func (s *Store) Get(ctx context.Context, namespace string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("query kv: %w", err)
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode value %q: %w", key, err)
		}
		out[key] = v
	}
	return out, rows.Err()
}

// Put merges delta into the namespace's key/value map in one transaction.
func (s *Store) Put(ctx context.Context, namespace string, delta map[string]any) error {
	if len(delta) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range delta {
		raw, err := json.Marshal(v)
		if err != nil {
			return core.NewValidationError("value for %q is not JSON encodable: %v", k, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
			namespace, k, string(raw)); err != nil {
			return fmt.Errorf("upsert %q: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Search returns up to limit snippets containing query (ASCII case
// insensitive), oldest first. A non-positive limit means no limit.
func (s *Store) Search(ctx context.Context, namespace string, query string, limit int) ([]core.SearchResult, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, created_at FROM memories
		 WHERE namespace = ? AND (? = '' OR content LIKE '%' || ? || '%' ESCAPE '\')
		 ORDER BY seq LIMIT ?`,
		namespace, query, escapeLike(query), limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	results := []core.SearchResult{}
	for rows.Next() {
		var (
			r         core.SearchResult
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
		}
		r.Score = 1.0
		r.CreatedAt = time.UnixMilli(createdAt).UTC().Format(core.TimestampLayout)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Store appends a snippet under a new random id.
func (s *Store) Store(ctx context.Context, namespace string, content string, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", core.NewValidationError("metadata is not JSON encodable: %v", err)
	}

	id := "mem_" + uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, namespace, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, namespace, content, string(raw), s.now().UnixMilli()); err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	return id, nil
}

// Delete removes a snippet. A missing id yields a NotFound error.
func (s *Store) Delete(ctx context.Context, namespace string, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE namespace = ? AND id = ?`, namespace, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n == 0 {
		return core.NewNotFoundError("memory %q not found in namespace %q", id, namespace)
	}
	return nil
}

// Stats reports the number of namespaces and stored snippets.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	var namespaces, memories int
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM (SELECT namespace FROM kv UNION SELECT namespace FROM memories)),
			(SELECT COUNT(*) FROM memories)`).Scan(&namespaces, &memories)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return map[string]any{"namespaces": namespaces, "memories": memories}, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
