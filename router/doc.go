// Package router maps command names to handlers. Parameter schemas registered
// with a handler are advisory: mismatches are logged and the command still
// runs.
package router
