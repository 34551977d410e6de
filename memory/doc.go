// Package memory provides the key-value memory adapter: a core.Adapter over a
// core.MemoryStore, plus a process local store. The sqlite subpackage offers
// a durable store with the same semantics.
package memory
