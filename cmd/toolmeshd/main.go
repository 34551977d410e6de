// toolmeshd serves toolmesh commands over stdio or a unix socket.
//
// Commands are read as newline delimited JSON (or a CBOR sequence with
// --codec cbor) and answered with one response envelope each. The built-in
// memory adapter is exposed as memory.get, memory.put, memory.store,
// memory.search and memory.delete.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hupe1980/toolmesh"
	"github.com/hupe1980/toolmesh/codec"
	"github.com/hupe1980/toolmesh/config"
	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/logging"
	"github.com/hupe1980/toolmesh/memory"
	"github.com/hupe1980/toolmesh/memory/sqlite"
	"github.com/hupe1980/toolmesh/router"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath    string
	transport     string
	listen        string
	codec         string
	logLevel      string
	memoryBackend string
	memoryPath    string
	maxConcurrent int
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	var f flags

	flagSet := pflag.NewFlagSet("toolmeshd", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&f.transport, "transport", "", "transport: stdio or unix")
	flagSet.StringVar(&f.listen, "listen", "", "unix socket path")
	flagSet.StringVar(&f.codec, "codec", "", "wire codec: json or cbor")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.StringVar(&f.memoryBackend, "memory-backend", "", "memory backend: memory or sqlite")
	flagSet.StringVar(&f.memoryPath, "memory-path", "", "sqlite database path")
	flagSet.IntVar(&f.maxConcurrent, "max-concurrent", 0, "max commands in flight per stream (0: unlimited)")

	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return &f, flagSet, nil
}

// loadConfig loads the config file and applies flag overrides.
func loadConfig(f *flags, flagSet *pflag.FlagSet) (*config.Config, string, error) {
	path := f.configPath
	if path == "" {
		path = os.Getenv(config.EnvVar)
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		cfg = loaded
	}

	if flagSet.Changed("transport") {
		cfg.Server.Transport = f.transport
	}
	if flagSet.Changed("listen") {
		cfg.Server.Listen = f.listen
	}
	if flagSet.Changed("codec") {
		cfg.Server.Codec = f.codec
	}
	if flagSet.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if flagSet.Changed("memory-backend") {
		cfg.Memory.Backend = f.memoryBackend
	}
	if flagSet.Changed("memory-path") {
		cfg.Memory.Path = f.memoryPath
	}
	if flagSet.Changed("max-concurrent") {
		cfg.Server.MaxConcurrent = f.maxConcurrent
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func run(args []string) error {
	f, flagSet, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, configPath, err := loadConfig(f, flagSet)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.LoggerConfig()).WithComponent("toolmeshd")
	defer logging.GuardProcess(logger, logging.DefaultFlushDelay, os.Exit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openMemoryStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	mesh := toolmesh.New(func(o *toolmesh.Options) {
		o.Config = cfg
		o.Logger = logger
	})
	defer func() {
		if err := mesh.Close(context.Background()); err != nil {
			logger.Warn("toolmeshd.close.failed", "error", err.Error())
		}
	}()

	if err := registerMemory(mesh, store); err != nil {
		return err
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, mesh.ApplyConfig, func(o *config.WatchOptions) { o.Logger = logger })
			if err != nil {
				logger.Warn("toolmeshd.config.watch_failed", "path", configPath, "error", err.Error())
			}
		}()
	}

	c, err := codec.ByName(cfg.Server.Codec)
	if err != nil {
		return err
	}

	logger.Info("toolmeshd.started", "transport", cfg.Server.Transport, "codec", c.Name(), "memory", cfg.Memory.Backend)

	opts := serveOptions{maxConcurrent: cfg.Server.MaxConcurrent, logger: logger}
	switch cfg.Server.Transport {
	case config.TransportUnix:
		err = serveUnix(ctx, mesh, c, cfg.Server.Listen, opts)
	default:
		err = serveStdio(ctx, mesh, c, opts)
	}

	logger.Info("toolmeshd.stopped")
	return err
}

// serveStdio serves stdin/stdout until stdin closes or ctx is done. A
// blocked stdin read cannot be interrupted, so on cancellation the server
// returns without waiting for it.
func serveStdio(ctx context.Context, d dispatcher, c codec.Codec, opts serveOptions) error {
	done := make(chan error, 1)
	go func() { done <- serveStream(ctx, d, c, os.Stdin, os.Stdout, opts) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func openMemoryStore(ctx context.Context, cfg *config.Config) (core.MemoryStore, func(), error) {
	if cfg.Memory.Backend != config.MemoryBackendSQLite {
		return memory.NewInMemoryStore(), func() {}, nil
	}
	s, err := sqlite.Open(ctx, cfg.Memory.Path)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func registerMemory(mesh *toolmesh.Mesh, store core.MemoryStore) error {
	a := memory.NewAdapter(store)
	if _, err := mesh.RegisterAdapter(a); err != nil {
		return err
	}

	commands := make(map[string]router.RegisterOptions)
	for name, schema := range memory.Schemas() {
		commands[name] = router.RegisterOptions{
			Description: "Memory " + name,
			Schema:      schema,
		}
	}
	return mesh.ExposeAdapter(a.Name(), commands)
}
