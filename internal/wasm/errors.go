package wasm

import (
	"errors"
	"fmt"
	"time"
)

// ErrMemoryUnbound is returned when guest memory is accessed before the
// instance's memory has been bound.
var ErrMemoryUnbound = errors.New("guest memory accessed before binding")

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// LoadError occurs when a guest cannot be made ready to call: instantiation
// fails, an import is unresolved, a required export is missing or the
// mandatory open call fails. No instance is returned alongside it.
type LoadError struct {
	ModuleName string
	InstanceID string
	Stage      string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load module '%s' (instance: %s, stage: %s): %v",
		e.ModuleName, e.InstanceID, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError occurs when a module is not in cache
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// AllocationError occurs when the guest allocator cannot provide memory for
// host input. Nothing has been written to guest memory when it is returned.
type AllocationError struct {
	Size   uint32
	Ptr    uint32
	Reason string
	Err    error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guest allocation of %d bytes failed (ptr=%d): %s: %v",
			e.Size, e.Ptr, e.Reason, e.Err)
	}
	return fmt.Sprintf("guest allocation of %d bytes failed (ptr=%d): %s",
		e.Size, e.Ptr, e.Reason)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// UnexpectedExitError occurs when the guest calls proc_exit.
type UnexpectedExitError struct {
	Code uint32
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("guest called proc_exit(%d)", e.Code)
}

// UnsupportedSyscallError occurs in strict mode when the guest calls a
// system call the host only stubs.
type UnsupportedSyscallError struct {
	Name string
}

func (e *UnsupportedSyscallError) Error() string {
	return fmt.Sprintf("unsupported system call '%s'", e.Name)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// HostFunctionError occurs when host function execution fails
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when Wasm execution times out
type TimeoutError struct {
	FunctionName string
	Duration     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm execution of '%s' timed out after %v", e.FunctionName, e.Duration)
}
