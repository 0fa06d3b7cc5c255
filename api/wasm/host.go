//go:build !wasm

package wasm

// ImportModule is the module name guests import system calls from.
const ImportModule = "wasi_snapshot_preview1"

// MemoryExport is the name of the guest's exported linear memory.
const MemoryExport = "memory"

// System calls the host provides under ImportModule.
const (
	SyscallArgsGet          = "args_get"
	SyscallArgsSizesGet     = "args_sizes_get"
	SyscallClockTimeGet     = "clock_time_get"
	SyscallEnvironSizesGet  = "environ_sizes_get"
	SyscallEnvironGet       = "environ_get"
	SyscallProcExit         = "proc_exit"
	SyscallFdClose          = "fd_close"
	SyscallFdFdstatGet      = "fd_fdstat_get"
	SyscallFdFdstatSetFlags = "fd_fdstat_set_flags"
	SyscallFdFilestatGet    = "fd_filestat_get"
	SyscallFdPread          = "fd_pread"
	SyscallFdPrestatDirName = "fd_prestat_dir_name"
	SyscallFdPrestatGet     = "fd_prestat_get"
	SyscallFdRead           = "fd_read"
	SyscallFdSeek           = "fd_seek"
	SyscallFdWrite          = "fd_write"
	SyscallPathFilestatGet  = "path_filestat_get"
	SyscallPathOpen         = "path_open"
)

// Errno values returned to the guest. Only the ones the host produces are listed.
const (
	ErrnoSuccess uint32 = 0
	ErrnoBadf    uint32 = 8
	ErrnoFault   uint32 = 21
)

// Guest status codes returned by execute and printParse.
const (
	StatusOK    uint32 = 0
	StatusAbort uint32 = 1
)

// Exports names the guest entry points the host calls.
type Exports struct {
	// Open runs guest-side initialization, called once as open(0, 0).
	Open string

	// Allocate reserves guest memory: allocate(size) -> pointer.
	Allocate string

	// Execute elaborates the current input: execute() -> status.
	Execute string

	// PrintParse parses the current input and prints the result: printParse() -> status.
	PrintParse string
}

// DefaultExports returns the export names used when a guest does not override them.
func DefaultExports() Exports {
	return Exports{
		Open:       "open",
		Allocate:   "allocate",
		Execute:    "execute",
		PrintParse: "printParse",
	}
}

// WithDefaults fills empty names from DefaultExports.
func (e Exports) WithDefaults() Exports {
	d := DefaultExports()
	if e.Open == "" {
		e.Open = d.Open
	}
	if e.Allocate == "" {
		e.Allocate = d.Allocate
	}
	if e.Execute == "" {
		e.Execute = d.Execute
	}
	if e.PrintParse == "" {
		e.PrintParse = d.PrintParse
	}
	return e
}
