// Package lsp assembles the Twelf guest, its invocation service and the
// document pipeline into a server that turns document text into
// diagnostics.
package lsp

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/woxQAQ/twelf-lsp/internal/config"
	"github.com/woxQAQ/twelf-lsp/internal/document"
	"github.com/woxQAQ/twelf-lsp/internal/guest"
	"github.com/woxQAQ/twelf-lsp/internal/twelf"
	"github.com/woxQAQ/twelf-lsp/internal/wasm"
	"github.com/woxQAQ/twelf-lsp/pkg/protocol"
)

type Server struct {
	cfg      *config.ServerConfig
	logger   *zap.Logger
	guests   *guest.Manager
	instance *wasm.Instance
	service  *twelf.Service
	pipeline *document.Pipeline
}

// NewServer loads the configured guest, instantiates it once and starts
// the document pipeline. Diagnostics for open documents go to publish.
func NewServer(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger, publish document.Publisher) (*Server, error) {
	// Initialize Wasm runtime.
	wasmRuntime, err := wasm.NewRuntime(ctx, logger, cfg.Wasm.RuntimeConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	guests := guest.NewManager(cfg, wasmRuntime, logger)

	instance, err := startGuest(ctx, cfg, guests)
	if err != nil {
		if shutdownErr := guests.Shutdown(ctx); shutdownErr != nil {
			logger.Error("Failed to shutdown guest manager", zap.Error(shutdownErr))
		}
		return nil, err
	}

	service := twelf.NewService(instance, logger)
	pipeline := document.NewPipeline(service, publish, logger,
		document.WithMaxProblems(cfg.Diagnostics.MaxProblems),
	)

	logger.Info("LSP server initialized",
		zap.String("guest", instance.Name),
		zap.String("instance_id", instance.ID),
		zap.Uint32("wasm_memory_pages", cfg.Wasm.MemoryPages),
		zap.String("wasm_cache_dir", cfg.Wasm.CacheDir),
	)

	return &Server{
		cfg:      cfg,
		logger:   logger,
		guests:   guests,
		instance: instance,
		service:  service,
		pipeline: pipeline,
	}, nil
}

// startGuest registers bundles and the optional bare module, then
// instantiates the selected guest. A wasm_file takes precedence over the
// guest name.
func startGuest(ctx context.Context, cfg *config.ServerConfig, guests *guest.Manager) (*wasm.Instance, error) {
	if err := guests.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to load guests: %w", err)
	}

	name := cfg.Guest
	if cfg.WasmFile != "" {
		g, err := guests.LoadFile(ctx, cfg.WasmFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load wasm file: %w", err)
		}
		name = g.Name()
	}

	instance, err := guests.Instantiate(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to start guest '%s': %w", name, err)
	}
	return instance, nil
}

// DidOpen starts tracking a document and schedules its parse.
func (s *Server) DidOpen(uri string, version int32, text string) error {
	return s.pipeline.Open(uri, version, text)
}

// DidChange replaces a document's full text and schedules a re-parse.
func (s *Server) DidChange(uri string, version int32, text string) error {
	return s.pipeline.Change(uri, version, text)
}

// DidClose stops tracking a document and clears its diagnostics.
func (s *Server) DidClose(uri string) error {
	return s.pipeline.Close(uri)
}

// Check parses text once and returns its diagnostics.
func (s *Server) Check(ctx context.Context, uri, text string) (protocol.PublishDiagnosticsParams, error) {
	return s.pipeline.Check(ctx, uri, text)
}

// Flush waits for scheduled parses to be published.
func (s *Server) Flush(ctx context.Context) error {
	return s.pipeline.Flush(ctx)
}

// Service returns the invocation service bound to the guest instance.
func (s *Server) Service() *twelf.Service {
	return s.service
}

// Close gracefully shuts down the server.
func (s *Server) Close(ctx context.Context) error {
	s.logger.Info("Shutting down LSP server")

	s.pipeline.Shutdown()

	var errs []error
	if err := s.instance.Close(ctx); err != nil {
		s.logger.Error("Failed to close guest instance", zap.Error(err))
		errs = append(errs, err)
	}

	// Shutdown Wasm runtime.
	if err := s.guests.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("LSP server shutdown complete")
	return nil
}
