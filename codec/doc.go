// Package codec frames command and response envelopes on byte streams.
//
// Two codecs are provided: "json" reads and writes newline delimited JSON
// documents, "cbor" reads and writes a CBOR sequence (RFC 8742) using Core
// Deterministic Encoding. Readers hand out core.RawCommand values so malformed
// commands can still be answered by the normalization layer.
package codec
