package wasm

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	guestabi "github.com/woxQAQ/twelf-lsp/api/wasm"
)

// Shim implements the wasi_snapshot_preview1 subset a guest imports.
//
// Only fd_write has observable behavior: it feeds the instance's
// OutputBuffer. Arguments, environment and clocks are answered from host
// state, proc_exit aborts the call, and the remaining file and path calls
// are stubs.
type Shim struct {
	logger *zap.Logger
	mem    *Memory
	output *OutputBuffer

	args   []string
	now    func() time.Time
	start  time.Time
	strict bool
	debug  bool

	exit *UnexpectedExitError
}

// ShimConfig configures a Shim.
type ShimConfig struct {
	// Args is the argument vector reported to the guest.
	Args []string

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Strict makes stubbed calls fail with UnsupportedSyscallError.
	Strict bool

	// Debug logs every call.
	Debug bool
}

// NewShim creates a shim bound to the given memory cell and output buffer.
// The memory cell may still be unbound.
func NewShim(logger *zap.Logger, mem *Memory, output *OutputBuffer, cfg ShimConfig) *Shim {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Shim{
		logger: logger.With(zap.String("component", "wasm-host")),
		mem:    mem,
		output: output,
		args:   cfg.Args,
		now:    clock,
		start:  clock(),
		strict: cfg.Strict,
		debug:  cfg.Debug,
	}
}

// TakeExit returns the exit recorded by proc_exit since the last call, if any.
func (s *Shim) TakeExit() *UnexpectedExitError {
	exit := s.exit
	s.exit = nil
	return exit
}

type syscall struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
	fn      api.GoModuleFunc
}

// syscalls is the behavior table. Signatures follow wasi_snapshot_preview1;
// a guest importing one of these names with a different type fails to
// instantiate.
func (s *Shim) syscalls() []syscall {
	i32, i64 := api.ValueTypeI32, api.ValueTypeI64
	errno := []api.ValueType{i32}
	params := func(types ...api.ValueType) []api.ValueType { return types }

	return []syscall{
		{guestabi.SyscallArgsGet, params(i32, i32), errno, s.argsGet},
		{guestabi.SyscallArgsSizesGet, params(i32, i32), errno, s.argsSizesGet},
		{guestabi.SyscallClockTimeGet, params(i32, i64, i32), errno, s.clockTimeGet},
		{guestabi.SyscallEnvironSizesGet, params(i32, i32), errno, s.environSizesGet},
		{guestabi.SyscallEnvironGet, params(i32, i32), errno, s.environGet},
		{guestabi.SyscallProcExit, params(i32), nil, s.procExit},
		{guestabi.SyscallFdWrite, params(i32, i32, i32, i32), errno, s.fdWrite},

		{guestabi.SyscallFdClose, params(i32), errno, s.stub(guestabi.SyscallFdClose)},
		{guestabi.SyscallFdFdstatGet, params(i32, i32), errno, s.stub(guestabi.SyscallFdFdstatGet)},
		{guestabi.SyscallFdFdstatSetFlags, params(i32, i32), errno, s.stub(guestabi.SyscallFdFdstatSetFlags)},
		{guestabi.SyscallFdFilestatGet, params(i32, i32), errno, s.stub(guestabi.SyscallFdFilestatGet)},
		{guestabi.SyscallFdPread, params(i32, i32, i32, i64, i32), errno, s.stub(guestabi.SyscallFdPread)},
		{guestabi.SyscallFdPrestatDirName, params(i32, i32, i32), errno, s.stub(guestabi.SyscallFdPrestatDirName)},
		{guestabi.SyscallFdPrestatGet, params(i32, i32), errno, s.stub(guestabi.SyscallFdPrestatGet)},
		{guestabi.SyscallFdRead, params(i32, i32, i32, i32), errno, s.stub(guestabi.SyscallFdRead)},
		{guestabi.SyscallFdSeek, params(i32, i64, i32, i32), errno, s.stub(guestabi.SyscallFdSeek)},
		{guestabi.SyscallPathFilestatGet, params(i32, i32, i32, i32, i32), errno, s.stub(guestabi.SyscallPathFilestatGet)},
		{guestabi.SyscallPathOpen, params(i32, i32, i32, i32, i32, i64, i64, i32, i32), errno, s.stub(guestabi.SyscallPathOpen)},
	}
}

// export registers the behavior table on a host module builder.
func (s *Shim) export(builder wazero.HostModuleBuilder) {
	for _, sc := range s.syscalls() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(s.guard(sc.name, sc.fn), sc.params, sc.results).
			WithName(sc.name).
			Export(sc.name)
	}
}

// guard rejects any call made before the guest's memory is bound, such as
// one from a start section during instantiation.
func (s *Shim) guard(name string, fn api.GoModuleFunc) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		if !s.mem.Bound() {
			s.logger.Error("System call before guest memory was bound", zap.String("syscall", name))
			panic(&HostFunctionError{FunctionName: name, Err: ErrMemoryUnbound})
		}
		fn(ctx, mod, stack)
	}
}

// args_get(argv, argv_buf) -> errno
func (s *Shim) argsGet(ctx context.Context, _ api.Module, stack []uint64) {
	argv, buf := uint32(stack[0]), uint32(stack[1])
	s.trace(guestabi.SyscallArgsGet, zap.Uint32("argv", argv), zap.Uint32("argv_buf", buf))

	for i, arg := range s.args {
		if err := s.mem.WriteUint32Le(argv+uint32(i)*4, buf); err != nil {
			stack[0] = s.fault(guestabi.SyscallArgsGet, err)
			return
		}
		data := append([]byte(arg), 0)
		if err := s.mem.WriteBytes(buf, data); err != nil {
			stack[0] = s.fault(guestabi.SyscallArgsGet, err)
			return
		}
		buf += uint32(len(data))
	}
	stack[0] = uint64(guestabi.ErrnoSuccess)
}

// args_sizes_get(argc_ptr, argv_buf_size_ptr) -> errno
func (s *Shim) argsSizesGet(ctx context.Context, _ api.Module, stack []uint64) {
	argcPtr, sizePtr := uint32(stack[0]), uint32(stack[1])
	s.trace(guestabi.SyscallArgsSizesGet)

	var size uint32
	for _, arg := range s.args {
		size += uint32(len(arg)) + 1
	}
	if err := s.mem.WriteUint32Le(argcPtr, uint32(len(s.args))); err != nil {
		stack[0] = s.fault(guestabi.SyscallArgsSizesGet, err)
		return
	}
	if err := s.mem.WriteUint32Le(sizePtr, size); err != nil {
		stack[0] = s.fault(guestabi.SyscallArgsSizesGet, err)
		return
	}
	stack[0] = uint64(guestabi.ErrnoSuccess)
}

// clock_time_get(id, precision, timestamp_ptr) -> errno
//
// Clock 0 is the wall clock; every other id is served monotonically from
// shim creation. Precision is ignored.
func (s *Shim) clockTimeGet(ctx context.Context, _ api.Module, stack []uint64) {
	id, resultPtr := uint32(stack[0]), uint32(stack[2])
	s.trace(guestabi.SyscallClockTimeGet, zap.Uint32("clock_id", id))

	now := s.now()
	var ts uint64
	if id == clockRealtime {
		ts = uint64(now.UnixNano())
	} else {
		ts = uint64(now.Sub(s.start))
	}
	if err := s.mem.WriteUint64Le(resultPtr, ts); err != nil {
		stack[0] = s.fault(guestabi.SyscallClockTimeGet, err)
		return
	}
	stack[0] = uint64(guestabi.ErrnoSuccess)
}

// environ_sizes_get(count_ptr, buf_size_ptr) -> errno
func (s *Shim) environSizesGet(ctx context.Context, _ api.Module, stack []uint64) {
	countPtr, sizePtr := uint32(stack[0]), uint32(stack[1])
	s.trace(guestabi.SyscallEnvironSizesGet)

	if err := s.mem.WriteUint32Le(countPtr, 0); err != nil {
		stack[0] = s.fault(guestabi.SyscallEnvironSizesGet, err)
		return
	}
	if err := s.mem.WriteUint32Le(sizePtr, 0); err != nil {
		stack[0] = s.fault(guestabi.SyscallEnvironSizesGet, err)
		return
	}
	stack[0] = uint64(guestabi.ErrnoSuccess)
}

// environ_get(environ, environ_buf) -> errno. The environment is empty.
func (s *Shim) environGet(ctx context.Context, _ api.Module, stack []uint64) {
	s.trace(guestabi.SyscallEnvironGet)
	stack[0] = uint64(guestabi.ErrnoSuccess)
}

// fd_write(fd, iovs, iovs_len, nwritten_ptr) -> errno
func (s *Shim) fdWrite(ctx context.Context, _ api.Module, stack []uint64) {
	fd, iovs, iovsLen, nwrittenPtr := uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3])
	s.trace(guestabi.SyscallFdWrite, zap.Uint32("fd", fd), zap.Uint32("iovs_len", iovsLen))

	if fd != fdStdout && fd != fdStderr {
		stack[0] = uint64(guestabi.ErrnoBadf)
		return
	}

	// All iovecs are read before anything is captured, so a faulting write
	// leaves the output untouched.
	var data []byte
	for i := uint32(0); i < iovsLen; i++ {
		iov := iovs + i*8
		offset, err := s.mem.ReadUint32Le(iov)
		if err != nil {
			stack[0] = s.fault(guestabi.SyscallFdWrite, err)
			return
		}
		length, err := s.mem.ReadUint32Le(iov + 4)
		if err != nil {
			stack[0] = s.fault(guestabi.SyscallFdWrite, err)
			return
		}
		chunk, err := s.mem.ReadBytes(offset, length)
		if err != nil {
			stack[0] = s.fault(guestabi.SyscallFdWrite, err)
			return
		}
		data = append(data, chunk...)
	}

	if err := s.mem.WriteUint32Le(nwrittenPtr, uint32(len(data))); err != nil {
		stack[0] = s.fault(guestabi.SyscallFdWrite, err)
		return
	}
	_, _ = s.output.Write(data)
	stack[0] = uint64(guestabi.ErrnoSuccess)
}

// proc_exit(code). The guest is not expected to exit; the call is aborted.
func (s *Shim) procExit(ctx context.Context, _ api.Module, stack []uint64) {
	code := uint32(stack[0])
	s.logger.Warn("Guest called proc_exit", zap.Uint32("code", code))
	s.exit = &UnexpectedExitError{Code: code}
	panic(s.exit)
}

// stub returns a handler that succeeds without effect, or fails in strict mode.
func (s *Shim) stub(name string) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		s.trace(name, zap.Bool("stub", true))
		if s.strict {
			s.logger.Warn("Guest called unsupported system call", zap.String("syscall", name))
			panic(&UnsupportedSyscallError{Name: name})
		}
		stack[0] = uint64(guestabi.ErrnoSuccess)
	}
}

// fault maps a guest memory error to EFAULT.
func (s *Shim) fault(name string, err error) uint64 {
	s.logger.Debug("Guest passed invalid memory to system call",
		zap.String("syscall", name),
		zap.Error(err),
	)
	return uint64(guestabi.ErrnoFault)
}

func (s *Shim) trace(name string, fields ...zap.Field) {
	if !s.debug {
		return
	}
	s.logger.Debug(name, fields...)
}

const (
	fdStdout      = 1
	fdStderr      = 2
	clockRealtime = 0
)
