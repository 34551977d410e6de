// Package policy implements the timeout, retry and backoff policy consulted
// by the adapter execution engine.
//
// Besides static lookups it adapts at runtime in two ways:
//
//   - Throttling: bursts of concurrent calls to one adapter operation open a
//     short window during which retries back off further.
//   - Widening: operations that keep failing get a larger time budget rather
//     than being cut off by a circuit breaker.
package policy
