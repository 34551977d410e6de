// Package protocol implements the command processing boundary. A Coordinator
// resolves or provisions the session named by a command, runs the handler on
// a snapshot of it, applies any requested state patch and turns every outcome,
// including panics, into a well formed core.ResponseEnvelope.
package protocol
