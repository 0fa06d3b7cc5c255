package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	guestabi "github.com/woxQAQ/twelf-lsp/api/wasm"
)

// DefaultProgram is the argv[0] reported to guests that do not name one.
const DefaultProgram = "twelf"

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string

	// Program is argv[0] as seen by the guest. Defaults to DefaultProgram.
	Program string

	// Exports overrides guest entry point names. Empty names use the defaults.
	Exports guestabi.Exports

	// Clock backs clock_time_get. Defaults to time.Now.
	Clock func() time.Time

	// StrictSyscalls makes stubbed system calls fail. The runtime's
	// setting applies when false.
	StrictSyscalls bool

	// ExecutionTimeout bounds each guest call. The runtime's setting
	// applies when zero.
	ExecutionTimeout time.Duration
}

// Instance represents an instantiated guest module ready to be called.
type Instance struct {
	// wazero module instances: the guest and its system call host module.
	module api.Module
	host   api.Module

	// Instance metadata.
	ID        string
	Name      string
	CreatedAt int64

	shim    *Shim
	memory  *Memory
	output  *OutputBuffer
	names   guestabi.Exports
	timeout time.Duration

	// Exported functions, looked up once.
	exports map[string]api.Function

	runtime   *Runtime
	logger    *zap.Logger
	closeOnce sync.Once
}

// Instantiate creates a ready instance from a compiled module.
//
// The system call host module is built first, with its handlers holding
// an unbound memory reference. The guest is then instantiated without
// running _start, its memory is bound, and open(0, 0) runs guest
// initialization. Any failure is reported as *LoadError and leaves nothing
// instantiated.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	program := config.Program
	if program == "" {
		program = DefaultProgram
	}
	timeout := config.ExecutionTimeout
	if timeout == 0 {
		timeout = m.runtime.config.ExecutionTimeout
	}
	strict := config.StrictSyscalls || m.runtime.config.StrictSyscalls

	logger := m.logger.With(zap.String("instance_id", instanceID))
	logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("program", program),
		zap.Bool("strict_syscalls", strict),
	)

	fail := func(stage string, err error) error {
		logger.Error("Failed to load Wasm module",
			zap.String("module", config.ModuleName),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return &LoadError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Stage:      stage,
			Err:        err,
		}
	}

	memory := NewMemory()
	output := NewOutputBuffer()
	shim := NewShim(m.logger, memory, output, ShimConfig{
		Args:   []string{program},
		Clock:  config.Clock,
		Strict: strict,
		Debug:  m.runtime.config.DebugEnabled,
	})

	builder := m.runtime.runtime.NewHostModuleBuilder(guestabi.ImportModule)
	shim.export(builder)
	host, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fail("host", err)
	}

	// Start functions are disabled; a start section still runs here and
	// finds the memory unbound.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions()

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		_ = host.Close(ctx)
		return nil, fail("instantiate", err)
	}

	instance := &Instance{
		module:    module,
		host:      host,
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now().Unix(),
		shim:      shim,
		memory:    memory,
		output:    output,
		names:     config.Exports.WithDefaults(),
		timeout:   timeout,
		exports:   make(map[string]api.Function),
		runtime:   m.runtime,
		logger:    logger,
	}

	guestMemory := module.ExportedMemory(guestabi.MemoryExport)
	if guestMemory == nil {
		guestMemory = module.Memory()
	}
	if guestMemory == nil {
		instance.release(ctx)
		return nil, fail("memory", fmt.Errorf("guest does not export '%s'", guestabi.MemoryExport))
	}
	if err := memory.Bind(guestMemory); err != nil {
		instance.release(ctx)
		return nil, fail("memory", err)
	}

	if _, err := instance.Call(ctx, instance.names.Open, 0, 0); err != nil {
		instance.release(ctx)
		return nil, fail("open", err)
	}
	// Initialization output never belongs to a caller's result.
	if lines := output.Lines(); len(lines) > 0 {
		logger.Debug("Guest initialization output", zap.Strings("lines", lines))
	}
	output.Reset()

	m.runtime.StoreInstance(instance)

	logger.Info("Module instantiated successfully",
		zap.String("module", config.ModuleName),
		zap.Uint32("memory_bytes", guestMemory.Size()),
	)

	return instance, nil
}

// Exports returns the entry point names this instance calls.
func (i *Instance) Exports() guestabi.Exports {
	return i.names
}

// HasExport reports whether the guest exports a function with the given name.
func (i *Instance) HasExport(name string) bool {
	return i.function(name) != nil
}

// Memory returns the instance's guest memory reference.
func (i *Instance) Memory() *Memory {
	return i.memory
}

// Call invokes an exported guest function under the instance's execution
// timeout.
//
// proc_exit surfaces as *UnexpectedExitError, an expired timeout as
// *TimeoutError and a strict-mode stub call as *UnsupportedSyscallError.
// After a timeout or cancellation the guest is closed and Closed reports
// true.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.function(name)
	if fn == nil {
		return nil, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}

	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	start := time.Now()
	results, err := fn.Call(callCtx, params...)
	if exit := i.shim.TakeExit(); exit != nil {
		return nil, exit
	}
	if err == nil {
		return results, nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			i.logger.Warn("Guest call timed out",
				zap.String("function", name),
				zap.Duration("timeout", i.timeout),
			)
			return nil, &TimeoutError{FunctionName: name, Duration: time.Since(start)}
		case sys.ExitCodeContextCanceled:
			return nil, fmt.Errorf("call to '%s' canceled: %w", name, context.Canceled)
		}
	}

	var unsupported *UnsupportedSyscallError
	if errors.As(err, &unsupported) {
		return nil, unsupported
	}

	return nil, fmt.Errorf("call to '%s' failed: %w", name, err)
}

// WriteInput copies text into guest memory obtained from the guest's
// allocate export and returns the pointer and byte length. An allocator
// that traps or has the wrong signature is reported as *AllocationError;
// exits, timeouts and cancellation keep their own error types.
func (i *Instance) WriteInput(ctx context.Context, text string) (uint32, uint32, error) {
	var allocate Allocator
	if i.HasExport(i.names.Allocate) {
		allocate = func(ctx context.Context, size uint32) (uint32, error) {
			results, err := i.Call(ctx, i.names.Allocate, uint64(size))
			if err != nil {
				var (
					exitErr    *UnexpectedExitError
					timeoutErr *TimeoutError
				)
				if errors.As(err, &exitErr) || errors.As(err, &timeoutErr) || errors.Is(err, context.Canceled) {
					return 0, err
				}
				return 0, &AllocationError{Size: size, Reason: "allocator call failed", Err: err}
			}
			if len(results) == 0 {
				return 0, &AllocationError{Size: size, Reason: "allocator returned no result"}
			}
			return uint32(results[0]), nil
		}
	}
	return i.memory.WriteInput(ctx, allocate, text)
}

// ResetOutput clears the captured output buffer.
func (i *Instance) ResetOutput() {
	i.output.Reset()
}

// CapturedOutput returns the lines the guest printed since the last reset.
// It never touches guest memory.
func (i *Instance) CapturedOutput() []string {
	return i.output.Lines()
}

// Closed reports whether the guest module has been closed, either
// explicitly or by an expired call context.
func (i *Instance) Closed() bool {
	return i.module.IsClosed()
}

// Close closes the instance and releases resources.
func (i *Instance) Close(ctx context.Context) error {
	var err error
	i.closeOnce.Do(func() {
		err = i.release(ctx)
		i.runtime.DeleteInstance(i.ID)
		i.logger.Info("Instance closed")
	})
	return err
}

// release closes the guest and then its host module, freeing the import
// module name for the next instance.
func (i *Instance) release(ctx context.Context) error {
	err := i.module.Close(ctx)
	if hostErr := i.host.Close(ctx); hostErr != nil && err == nil {
		err = hostErr
	}
	return err
}

func (i *Instance) function(name string) api.Function {
	if fn, ok := i.exports[name]; ok {
		return fn
	}
	fn := i.module.ExportedFunction(name)
	if fn != nil {
		i.exports[name] = fn
	}
	return fn
}
