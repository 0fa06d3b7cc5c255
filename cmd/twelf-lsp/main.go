package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/woxQAQ/twelf-lsp/internal/config"
	"github.com/woxQAQ/twelf-lsp/internal/lsp"
	"github.com/woxQAQ/twelf-lsp/pkg/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

// run checks each file named on the command line, or stdin when there are
// none, and prints one diagnostics object per line. It returns 1 when any
// error is reported and 2 when the server cannot start.
func run() int {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	guestName := flag.String("guest", "", "Guest to run")
	wasmFile := flag.String("wasm", "", "Path to a bare guest .wasm file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 2
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *guestName != "" {
		cfg.Guest = *guestName
	}
	if *wasmFile != "" {
		cfg.WasmFile = *wasmFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	// Initialize logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 2
	}
	defer logger.Sync()

	logger.Info("Starting twelf-lsp",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	out := json.NewEncoder(os.Stdout)

	server, err := lsp.NewServer(ctx, cfg, logger, func(params protocol.PublishDiagnosticsParams) {
		if err := out.Encode(params); err != nil {
			logger.Error("Failed to write diagnostics", zap.Error(err))
		}
	})
	if err != nil {
		logger.Error("Failed to create server", zap.Error(err))
		return 2
	}
	defer server.Close(context.Background())

	failed := false
	for _, in := range inputs(flag.Args()) {
		params, err := check(ctx, server, in)
		if err != nil {
			logger.Error("Check failed", zap.String("uri", in.uri), zap.Error(err))
			failed = true
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := out.Encode(params); err != nil {
			logger.Error("Failed to write diagnostics", zap.Error(err))
			return 2
		}
		if params.HasErrors() {
			failed = true
		}
	}

	if failed {
		return 1
	}
	return 0
}

type input struct {
	uri  string
	path string
}

// inputs maps file arguments to document URIs. No arguments means stdin.
func inputs(args []string) []input {
	if len(args) == 0 {
		return []input{{uri: "stdin"}}
	}

	result := make([]input, 0, len(args))
	for _, arg := range args {
		uri := arg
		if abs, err := filepath.Abs(arg); err == nil {
			uri = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
		}
		result = append(result, input{uri: uri, path: arg})
	}
	return result
}

func check(ctx context.Context, server *lsp.Server, in input) (protocol.PublishDiagnosticsParams, error) {
	var (
		data []byte
		err  error
	)
	if in.path == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(in.path)
	}
	if err != nil {
		return protocol.PublishDiagnosticsParams{URI: in.uri}, err
	}

	return server.Check(ctx, in.uri, string(data))
}

// newLogger logs to stderr so stdout carries only diagnostics.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	return cfg.Build()
}
