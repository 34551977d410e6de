// Package testutil contains helper builders and fake adapters used across
// tests to reduce boilerplate when constructing envelopes and simulating
// flaky or slow backends. They are not intended for production usage.
package testutil
