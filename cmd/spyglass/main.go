// Package main is the entry point for the spyglass debug adapter.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/config"
	"github.com/spyglass-dap/spyglass/internal/dap"
	"github.com/spyglass-dap/spyglass/internal/session"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

type cli struct {
	Backend  string `help:"Debugger backend to drive." default:"${default_backend}"`
	Port     int    `help:"Listen for client connections on this TCP port instead of serving stdio." default:"0"`
	Connect  string `help:"Reverse-connect to a client at host:port instead of serving stdio."`
	Settings string `help:"Adapter settings file (default: standard locations)." type:"path"`
	LogFile  string `help:"Write logs to this file instead of stderr." type:"path"`
	Verbose  bool   `short:"v" help:"Enable debug logging."`
	Version  bool   `help:"Print version and exit."`
}

func main() {
	os.Exit(run())
}

func run() int {
	var c cli
	kong.Parse(&c,
		kong.Name("spyglass"),
		kong.Description("Debug adapter for native debugger backends."),
		kong.UsageOnError(),
		kong.Vars{"default_backend": defaultBackend()},
	)

	if c.Version {
		fmt.Printf("spyglass %s (%s)\n", version, commit)
		return 0
	}

	log, err := buildLogger(c.LogFile, c.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	settings, err := loadSettings(c.Settings)
	if err != nil {
		log.Errorf("load settings: %v", err)
		return 1
	}

	switch {
	case c.Port != 0:
		return listenAndServe(log, c, settings)
	case c.Connect != "":
		transport, err := dap.NewSocketTransport(c.Connect)
		if err != nil {
			log.Errorf("connect to client: %v", err)
			return 1
		}
		return serve(log, transport, c.Backend, settings)
	default:
		// Stdio transport owns stdout; logs must not leak into it.
		if c.LogFile == "" {
			log.Infow("serving stdio, logging to stderr")
		}
		transport := dap.NewStdioTransport(os.Stdin, os.Stdout)
		return serve(log, transport, c.Backend, settings)
	}
}

// listenAndServe accepts client connections in sequence, one debug
// session per connection.
func listenAndServe(log *zap.SugaredLogger, c cli, settings *config.Settings) int {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.Port))
	if err != nil {
		log.Errorf("listen: %v", err)
		return 1
	}
	defer ln.Close()
	log.Infow("listening for clients", "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Errorf("accept: %v", err)
			return 1
		}
		log.Infow("client connected", "remote", conn.RemoteAddr().String())
		if code := serve(log, dap.NewSocketTransportFromConn(conn), c.Backend, settings); code != 0 {
			return code
		}
		log.Infow("session ended")
	}
}

// serve runs one debug session over the transport.
func serve(log *zap.SugaredLogger, transport dap.Transport, backendName string, settings *config.Settings) int {
	defer transport.Close()

	bk, err := backend.Open(backendName)
	if err != nil {
		log.Errorf("open backend: %v", err)
		return 1
	}
	defer bk.Close()

	if err := session.New(log, transport, bk, settings).Run(); err != nil {
		log.Errorf("session: %v", err)
		return 1
	}
	return 0
}

// defaultBackend picks the sole registered backend, if there is exactly
// one, so the common single-backend build needs no flag.
func defaultBackend() string {
	if names := backend.Registered(); len(names) == 1 {
		return names[0]
	}
	return ""
}

func loadSettings(path string) (*config.Settings, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// buildLogger writes console-encoded logs to the given file, or to
// stderr. Stdout is never an option: the stdio transport owns it.
func buildLogger(logFile string, verbose bool) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	sink := zapcore.Lock(os.Stderr)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)
	return zap.New(core).Sugar(), nil
}
