package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// ModuleLoader compiles guest modules into the runtime's cache.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource supplies guest bytecode under a stable cache key.
type ModuleSource interface {
	Bytes() ([]byte, error)
	Name() string
}

// FileModuleSource reads a guest from disk. Its cache key is the cleaned
// absolute path, so different spellings of one file share an entry.
type FileModuleSource struct {
	Path string
}

func (f *FileModuleSource) Bytes() ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f *FileModuleSource) Name() string {
	if abs, err := filepath.Abs(f.Path); err == nil {
		return abs
	}
	return filepath.Clean(f.Path)
}

// MemoryModuleSource serves bytecode already in memory, such as an
// embedded guest.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// LoadModule compiles a guest, reusing the cached module while its bytes
// are unchanged. A stale entry is replaced and its compiled code released.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	name := source.Name()

	wasmBytes, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", name, err)
	}
	digest := xxh3.Hash(wasmBytes)

	if cached, ok := l.runtime.GetCompiledModule(name); ok && cached.Digest == digest {
		l.logger.Debug("Module cache hit",
			zap.String("module", name),
			zap.Uint64("digest", digest),
		)
		return cached, nil
	}

	l.logger.Info("Compiling Wasm module",
		zap.String("module", name),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	start := time.Now()

	// Imports are resolved at instantiation, not here.
	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{
			ModuleName: name,
			Err:        err,
		}
	}

	module := &CompiledModule{
		Module:     compiled,
		Name:       name,
		SizeBytes:  int64(len(wasmBytes)),
		Digest:     digest,
		CompiledAt: start,
	}

	if stale := l.runtime.StoreCompiledModule(module); stale != nil && stale.Module != nil {
		if err := stale.Module.Close(ctx); err != nil {
			l.logger.Warn("Failed to release stale module",
				zap.String("module", name),
				zap.Error(err),
			)
		}
	}

	l.logger.Info("Module compiled successfully",
		zap.String("module", name),
		zap.Duration("duration", time.Since(start)),
	)

	return module, nil
}

// LoadModuleFromFile compiles the guest at path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	return l.LoadModule(ctx, &FileModuleSource{Path: path})
}

// LoadModuleFromMemory compiles an in-memory guest under name.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}
