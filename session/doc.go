// Package session houses concrete implementations of core.SessionStore.
//
// InMemoryStore keeps sessions in a process local map with a sliding TTL and a
// background sweeper. Sessions are volatile: nothing is persisted and nothing
// is shared across processes. Add durable backends in sub-packages without
// changing calling code; only the wiring layer decides which store to use.
package session
