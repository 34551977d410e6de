package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/hupe1980/toolmesh/codec"
	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/logging"
)

// dispatcher is the part of toolmesh.Mesh the server needs.
type dispatcher interface {
	DispatchRaw(ctx context.Context, raw core.RawCommand) core.ResponseEnvelope
}

// serveOptions tunes a stream.
type serveOptions struct {
	// maxConcurrent bounds in-flight commands; reading pauses while the
	// limit is reached. Zero means unlimited.
	maxConcurrent int
	logger        logging.Logger
}

// serveStream answers every command read from r on w. Each command runs in its
// own goroutine, so responses may be written out of order; callers correlate
// them by id. serveStream returns once r is exhausted and all in-flight
// commands have been answered.
func serveStream(ctx context.Context, d dispatcher, c codec.Codec, r io.Reader, w io.Writer, opts serveOptions) error {
	reader := c.NewReader(r)
	writer := c.NewWriter(w)
	logger := opts.logger

	var sem chan struct{}
	if opts.maxConcurrent > 0 {
		sem = make(chan struct{}, opts.maxConcurrent)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		raw, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}

		if sem != nil {
			sem <- struct{}{}
		}

		wg.Add(1)
		go func(raw core.RawCommand) {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			defer func() {
				if r := recover(); r != nil {
					logger.Error("server.command.panic", "panic", fmt.Sprint(r))
				}
			}()

			resp := d.DispatchRaw(ctx, raw)
			if err := writer.Write(resp); err != nil {
				logger.Warn("server.response.write_failed", "command_id", resp.ID, "error", err.Error())
			}
		}(raw)
	}
}

// serveUnix accepts connections on a unix socket at path until ctx is done.
// A stale socket file left by a previous run is removed first.
func serveUnix(ctx context.Context, d dispatcher, c codec.Codec, path string, opts serveOptions) error {
	logger := opts.logger

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	logger.Info("server.listening", "transport", "unix", "path", path, "codec", c.Name())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			defer conn.Close()

			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()

			if err := serveStream(ctx, d, c, conn, conn, opts); err != nil && ctx.Err() == nil {
				logger.Warn("server.connection.failed", "error", err.Error())
			}
		}(conn)
	}
}
