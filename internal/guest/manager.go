package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/twelf-lsp/internal/config"
	"github.com/woxQAQ/twelf-lsp/internal/wasm"
)

// Manager manages guest lifecycle: discovery, registration and
// instantiation.
type Manager struct {
	cfg         *config.ServerConfig
	runtime     *wasm.Runtime
	loader      *Loader
	registry    *Registry
	instanceMgr *wasm.InstanceManager
	logger      *zap.Logger

	mu     sync.RWMutex
	loaded bool
}

// NewManager creates a new guest manager.
func NewManager(cfg *config.ServerConfig, runtime *wasm.Runtime, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		runtime:     runtime,
		loader:      NewLoader(runtime, logger),
		registry:    NewRegistry(logger),
		instanceMgr: wasm.NewInstanceManager(runtime, logger),
		logger:      logger.With(zap.String("component", "guest-manager")),
	}
}

// LoadAll discovers and registers guests from the configured paths.
// Finding none is not an error; a configured wasm_file may supply the guest.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("guests already loaded")
	}

	m.logger.Info("Loading guests",
		zap.Strings("paths", m.cfg.GuestPaths),
	)

	guests, err := m.loader.DiscoverGuests(ctx, m.cfg.GuestPaths)
	if err != nil {
		var notFound *NoGuestsFoundError
		if errors.As(err, &notFound) {
			m.logger.Warn("No guests found in configured paths",
				zap.Strings("paths", m.cfg.GuestPaths),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	for _, guest := range guests {
		if err := m.registry.Register(guest); err != nil {
			m.logger.Error("Failed to register guest",
				zap.String("name", guest.Name()),
				zap.Error(err),
			)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Guests loaded successfully",
		zap.Int("count", len(guests)),
	)

	return nil
}

// LoadFile loads and registers a bare .wasm file.
func (m *Manager) LoadFile(ctx context.Context, path string) (*Guest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	guest, err := m.loader.LoadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Register(guest); err != nil {
		return nil, err
	}
	return guest, nil
}

// Get retrieves a guest by name.
func (m *Manager) Get(name string) (*Guest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	guest, ok := m.registry.Get(name)
	if !ok {
		return nil, &GuestNotFoundError{GuestName: name}
	}

	return guest, nil
}

// InstanceOption adjusts the instance configuration built from a manifest.
type InstanceOption func(*wasm.InstanceConfig)

// WithClock sets the clock the guest observes.
func WithClock(clock func() time.Time) InstanceOption {
	return func(c *wasm.InstanceConfig) {
		c.Clock = clock
	}
}

// WithExecutionTimeout overrides the runtime's guest call timeout.
func WithExecutionTimeout(timeout time.Duration) InstanceOption {
	return func(c *wasm.InstanceConfig) {
		c.ExecutionTimeout = timeout
	}
}

// Instantiate creates a ready instance of a registered guest.
func (m *Manager) Instantiate(ctx context.Context, name string, opts ...InstanceOption) (*wasm.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	guest, ok := m.registry.Get(name)
	if !ok {
		return nil, &GuestNotFoundError{GuestName: name}
	}

	config := &wasm.InstanceConfig{
		// Compiled modules are cached under their source path.
		ModuleName: guest.Compiled.Name,
		Program:    guest.Program(),
		Exports:    guest.Exports(),
	}
	for _, opt := range opts {
		opt(config)
	}

	return m.instanceMgr.Instantiate(ctx, config)
}

// Shutdown closes the runtime and every instance it tracks.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down guest manager")

	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown runtime", zap.Error(err))
		return err
	}

	m.logger.Info("Guest manager shutdown complete")
	return nil
}

// Registry returns the guest registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether LoadAll has run.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
