package guest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/twelf-lsp/internal/wasm"
)

// Loader handles loading guests from disk.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new guest loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "guest-loader")),
	}
}

// LoadGuest loads a single guest from a bundle directory.
func (l *Loader) LoadGuest(ctx context.Context, dir string) (*Guest, error) {
	l.logger.Debug("Loading guest", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	return l.compile(ctx, manifest)
}

// LoadFile loads a bare .wasm file as a guest. The manifest is synthesized
// from the file name and every entry point keeps its default name.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Guest, error) {
	base := filepath.Base(path)
	manifest := &Manifest{
		Name:    strings.TrimSuffix(base, filepath.Ext(base)),
		Version: "0.0.0",
		Wasm:    WasmConfig{File: base},
		dir:     filepath.Dir(path),
	}

	if _, err := os.Stat(path); err != nil {
		return nil, &WasmNotFoundError{
			ManifestPath: path,
			WasmFile:     base,
		}
	}

	return l.compile(ctx, manifest)
}

func (l *Loader) compile(ctx context.Context, manifest *Manifest) (*Guest, error) {
	l.logger.Info("Loading guest",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("wasm", manifest.WasmPath()),
	)

	// Compile Wasm module (uses internal caching)
	compiled, err := l.moduleLoader.LoadModuleFromFile(ctx, manifest.WasmPath())
	if err != nil {
		return nil, &GuestLoadError{
			GuestName: manifest.Name,
			Err:       err,
		}
	}

	guest := &Guest{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Guest loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
	)

	return guest, nil
}

// DiscoverGuests loads every bundle found one level below each path.
// Bundles that fail to load are logged and skipped.
func (l *Loader) DiscoverGuests(ctx context.Context, paths []string) ([]*Guest, error) {
	var guests []*Guest
	var errs []error

	for _, basePath := range paths {
		l.logger.Debug("Scanning guest directory", zap.String("path", basePath))

		entries, err := os.ReadDir(basePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("Guest path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			guestDir := filepath.Join(basePath, entry.Name())

			guest, err := l.LoadGuest(ctx, guestDir)
			if err != nil {
				l.logger.Error("Failed to load guest",
					zap.String("dir", guestDir),
					zap.Error(err),
				)
				errs = append(errs, err)
				continue
			}

			guests = append(guests, guest)
		}
	}

	if len(guests) > 0 && len(errs) > 0 {
		l.logger.Warn("Some guests failed to load",
			zap.Int("loaded", len(guests)),
			zap.Int("failed", len(errs)),
		)
	}

	if len(guests) == 0 {
		return nil, &NoGuestsFoundError{Paths: paths}
	}

	return guests, nil
}
