// Package core defines the protocol contracts shared by every toolmesh
// package: command and response envelopes, the normalizer that repairs loose
// inputs, the structured error taxonomy, sessions and patches, handlers, and
// the adapter and memory store interfaces.
//
// Concrete behaviour (session storage, execution engine, routing) lives in
// sibling packages so backends can be swapped without touching the contracts.
package core
