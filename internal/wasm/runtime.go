package wasm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// Runtime owns the wazero runtime, the compiled guest modules and the live
// instances. It hosts at most one instance at a time: the system call shim
// is registered under the fixed wasi_snapshot_preview1 module name.
type Runtime struct {
	runtime wazero.Runtime
	// nil unless RuntimeConfig.CacheDir is set.
	cache wazero.CompilationCache

	modules   sync.Map // module name -> *CompiledModule
	instances sync.Map // instance ID -> *Instance

	config *RuntimeConfig
	logger *zap.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Memory limit per guest in 64KB pages. Modules declaring more fail to
	// compile.
	MemoryPages uint32

	// Log every system call the guest makes.
	DebugEnabled bool

	// On-disk compilation cache. Empty keeps compiled code in memory.
	CacheDir string

	// Wall-clock limit for a single guest call. Zero disables the limit.
	ExecutionTimeout time.Duration

	// Fail on stubbed system calls instead of reporting success.
	StrictSyscalls bool
}

// CompiledModule is a compiled guest plus what is needed to tell whether
// it is still current.
type CompiledModule struct {
	Module wazero.CompiledModule

	// Cache key: the file path or the in-memory module name.
	Name      string
	SizeBytes int64
	// xxh3 digest of the module bytes.
	Digest     uint64
	CompiledAt time.Time
}

// NewRuntime creates the wazero runtime. One is enough per process.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}

	// An expired call context terminates the guest.
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if config.MemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryPages)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		var err error
		if cache, err = wazero.NewCompilationCacheWithDir(config.CacheDir); err != nil {
			return nil, fmt.Errorf("failed to open compilation cache '%s': %w", config.CacheDir, err)
		}
		rc = rc.WithCompilationCache(cache)
	}

	r := &Runtime{
		runtime: wazero.NewRuntimeWithConfig(ctx, rc),
		cache:   cache,
		config:  config,
		logger:  logger.With(zap.String("component", "wasm-runtime")),
	}

	r.logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Duration("execution_timeout", config.ExecutionTimeout),
		zap.Bool("strict_syscalls", config.StrictSyscalls),
	)

	return r, nil
}

// DefaultRuntimeConfig returns a 16MB memory limit and a 30s call timeout
// in compatibility mode.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:      256,
		ExecutionTimeout: 30 * time.Second,
	}
}

// Config returns the runtime configuration.
func (r *Runtime) Config() *RuntimeConfig {
	return r.config
}

// Close closes every live instance, then the runtime and its compilation
// cache. Later calls are no-ops.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")

		r.instances.Range(func(_, value any) bool {
			instance := value.(*Instance)
			if closeErr := instance.Close(ctx); closeErr != nil {
				r.logger.Warn("Failed to close instance",
					zap.String("instance_id", instance.ID),
					zap.Error(closeErr),
				)
			}
			return true
		})

		err = r.runtime.Close(ctx)
		if r.cache != nil {
			if cacheErr := r.cache.Close(ctx); cacheErr != nil && err == nil {
				err = cacheErr
			}
		}
		r.modules.Clear()

		r.closed.Store(true)
		r.logger.Info("Wasm runtime shutdown complete")
	})

	return err
}

// GetCompiledModule looks up a compiled module by name.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		return val.(*CompiledModule), true
	}
	return nil, false
}

// StoreCompiledModule caches a compiled module under its name and returns
// the entry it replaced, if any.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) *CompiledModule {
	if prev, loaded := r.modules.Swap(module.Name, module); loaded {
		return prev.(*CompiledModule)
	}
	return nil
}

// GetInstance looks up a live instance by ID.
func (r *Runtime) GetInstance(instanceID string) (*Instance, bool) {
	if val, ok := r.instances.Load(instanceID); ok {
		return val.(*Instance), true
	}
	return nil, false
}

// StoreInstance tracks a live instance so Close can release it.
func (r *Runtime) StoreInstance(instance *Instance) {
	r.instances.Store(instance.ID, instance)
}

// DeleteInstance stops tracking an instance.
func (r *Runtime) DeleteInstance(instanceID string) {
	r.instances.Delete(instanceID)
}

// IsClosed returns whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	return r.closed.Load()
}
