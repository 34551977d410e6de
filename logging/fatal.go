package logging

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

// FatalLogger is a Logger that can also write fatal records.
type FatalLogger interface {
	Logger
	Fatal(msg string, args ...any)
}

// DefaultFlushDelay is how long GuardProcess waits before exiting so that
// buffered log output can drain.
const DefaultFlushDelay = 500 * time.Millisecond

// GuardProcess is deferred at the top of main (and of long lived goroutines).
// It recovers a panic, logs it at fatal severity, waits flushDelay and exits
// with status 1. When no panic is in flight it does nothing.
//
//	defer logging.GuardProcess(logger, logging.DefaultFlushDelay, os.Exit)
func GuardProcess(logger Logger, flushDelay time.Duration, exit func(int)) {
	r := recover()
	if r == nil {
		return
	}
	if exit == nil {
		exit = os.Exit
	}
	ReportFatal(logger, fmt.Errorf("uncaught panic: %v", r), string(debug.Stack()))
	time.Sleep(flushDelay)
	exit(1)
}

// ReportFatal writes err at fatal severity when logger supports it and at
// error severity otherwise.
func ReportFatal(logger Logger, err error, stack string) {
	if logger == nil {
		logger = NoOpLogger{}
	}
	args := []any{"error", err.Error()}
	if stack != "" {
		args = append(args, "stack_trace", stack)
	}
	if fl, ok := logger.(FatalLogger); ok {
		fl.Fatal("process.fatal", args...)
		return
	}
	logger.Error("process.fatal", args...)
}
