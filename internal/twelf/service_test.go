package twelf

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/wasm-runtime/wat"
	"go.uber.org/zap/zaptest"

	guestabi "github.com/woxQAQ/twelf-lsp/api/wasm"
	"github.com/woxQAQ/twelf-lsp/internal/wasm"
)

// guestTemplate is a stub guest. $print writes a byte range to stdout;
// allocate hands out a bump pointer and remembers the last input.
const guestTemplate = `(module
  (import "wasi_snapshot_preview1" "fd_write" (func $fd_write (param i32 i32 i32 i32) (result i32)))
  (import "wasi_snapshot_preview1" "proc_exit" (func $proc_exit (param i32)))
  (memory (export "memory") 1)
  (global $next (mut i32) (i32.const 4096))
  (global $input (mut i32) (i32.const 0))
  (global $len (mut i32) (i32.const 0))
  (data (i32.const 256) "ok\n")
  (data (i32.const 272) "stdIn:1.1-1.4 Error: Undeclared identifier foo\n%% ABORT %%\n")

  (func $print (param $ptr i32) (param $len i32)
    (i32.store (i32.const 0) (local.get $ptr))
    (i32.store (i32.const 4) (local.get $len))
    (drop (call $fd_write (i32.const 1) (i32.const 0) (i32.const 1) (i32.const 8))))

  (func (export "open") (param i32 i32))

  {{allocate}}

  (func (export "printParse") (result i32)
    {{printParse}})

  (func (export "execute") (result i32)
    (call $print (i32.const 256) (i32.const 3))
    (i32.const 0)))`

const bumpAllocate = `(func (export "allocate") (param $size i32) (result i32)
    (global.set $input (global.get $next))
    (global.set $len (local.get $size))
    (global.set $next (i32.add (global.get $next) (local.get $size)))
    (global.get $input))`

func guestSource(allocate, printParse string) string {
	return strings.NewReplacer(
		"{{allocate}}", allocate,
		"{{printParse}}", printParse,
	).Replace(guestTemplate)
}

func newService(t *testing.T, source string, config *wasm.InstanceConfig) (*Service, *wasm.Instance) {
	t.Helper()

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	runtime, err := wasm.NewRuntime(ctx, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { runtime.Close(ctx) })

	wasmBytes, err := wat.Compile(source)
	require.NoError(t, err)

	_, err = wasm.NewModuleLoader(runtime, logger).LoadModuleFromMemory(ctx, "twelf", wasmBytes)
	require.NoError(t, err)

	if config == nil {
		config = &wasm.InstanceConfig{}
	}
	config.ModuleName = "twelf"

	instance, err := wasm.NewInstanceManager(runtime, logger).Instantiate(ctx, config)
	require.NoError(t, err)

	return NewService(instance, logger), instance
}

func TestParseOK(t *testing.T) {
	service, _ := newService(t, guestSource(bumpAllocate, `
    (call $print (i32.const 256) (i32.const 3))
    (i32.const 0)`), nil)

	result, err := service.Parse(context.Background(), "anything")
	require.NoError(t, err)

	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, []string{"ok"}, result.Output)
}

func TestParseClearsOutputBetweenCalls(t *testing.T) {
	service, _ := newService(t, guestSource(bumpAllocate, `
    (call $print (global.get $input) (global.get $len))
    (i32.const 0)`), nil)
	ctx := context.Background()

	first, err := service.Parse(ctx, "first input")
	require.NoError(t, err)
	assert.Equal(t, []string{"first input"}, first.Output)

	second, err := service.Parse(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, second.Output)
	assert.NotContains(t, second.Output, "first input")

	// Earlier results are not mutated by later calls.
	assert.Equal(t, []string{"first input"}, first.Output)
}

func TestParseAbortIsAResult(t *testing.T) {
	service, _ := newService(t, guestSource(bumpAllocate, `
    (call $print (i32.const 272) (i32.const 59))
    (i32.const 1)`), nil)

	result, err := service.Parse(context.Background(), "foo.")
	require.NoError(t, err)

	assert.Equal(t, StatusAbort, result.Status)
	assert.Equal(t, []string{
		"stdIn:1.1-1.4 Error: Undeclared identifier foo",
		"%% ABORT %%",
	}, result.Output)

	messages := result.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, Range{Line1: 1, Col1: 1, Line2: 1, Col2: 4}, messages[0].Range)
}

func TestParseAllocatorReturnsZero(t *testing.T) {
	service, instance := newService(t, guestSource(
		`(func (export "allocate") (param i32) (result i32) (i32.const 0))`,
		`(i32.const 0)`), nil)

	_, err := service.Parse(context.Background(), "x")

	var allocErr *wasm.AllocationError
	require.ErrorAs(t, err, &allocErr)

	data, err := instance.Memory().ReadBytes(0, 8)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), data)
}

func TestParseAllocatorTraps(t *testing.T) {
	tests := []struct {
		name     string
		allocate string
	}{
		{
			name:     "unreachable",
			allocate: `(func (export "allocate") (param i32) (result i32) unreachable)`,
		},
		{
			name:     "wrong signature",
			allocate: `(func (export "allocate") (result i32) (i32.const 4096))`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, _ := newService(t, guestSource(tt.allocate, `(i32.const 0)`), nil)
			ctx := context.Background()

			_, err := service.Parse(ctx, "x")

			var allocErr *wasm.AllocationError
			require.ErrorAs(t, err, &allocErr)
			assert.Equal(t, uint32(1), allocErr.Size)
			require.Error(t, service.Discarded())

			// The instance is not entered again.
			_, err = service.Parse(ctx, "x")
			var discarded *InstanceDiscardedError
			require.ErrorAs(t, err, &discarded)
			assert.ErrorAs(t, err, &allocErr)
		})
	}
}

func TestParseWithoutAllocator(t *testing.T) {
	service, _ := newService(t, guestSource(``, `(i32.const 0)`), nil)

	_, err := service.Parse(context.Background(), "x")

	var allocErr *wasm.AllocationError
	require.ErrorAs(t, err, &allocErr)
}

func TestParseProcExit(t *testing.T) {
	service, _ := newService(t, guestSource(bumpAllocate, `
    (call $proc_exit (i32.const 3))
    (i32.const 0)`), nil)

	_, err := service.Parse(context.Background(), "x")

	var exitErr *wasm.UnexpectedExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, uint32(3), exitErr.Code)
}

func TestParseUnknownStatus(t *testing.T) {
	service, _ := newService(t, guestSource(bumpAllocate, `(i32.const 7)`), nil)

	_, err := service.Parse(context.Background(), "x")

	var statusErr *UnknownStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, uint32(7), statusErr.Code)
	assert.Equal(t, "printParse", statusErr.Entry)

	// Not fatal: the instance is still usable.
	assert.NoError(t, service.Discarded())
}

func TestParseTimeout(t *testing.T) {
	service, _ := newService(t, guestSource(bumpAllocate, `
    (loop (br 0))
    (i32.const 0)`), &wasm.InstanceConfig{ExecutionTimeout: 50 * time.Millisecond})

	_, err := service.Parse(context.Background(), "x")

	var timeoutErr *wasm.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestDiscardedAfterFatalError(t *testing.T) {
	service, _ := newService(t, guestSource(bumpAllocate, `
    (call $proc_exit (i32.const 1))
    (i32.const 0)`), nil)
	ctx := context.Background()

	_, err := service.Parse(ctx, "x")
	require.Error(t, err)
	require.Error(t, service.Discarded())

	_, err = service.Execute(ctx, "x")

	var discarded *InstanceDiscardedError
	require.ErrorAs(t, err, &discarded)

	var exitErr *wasm.UnexpectedExitError
	assert.ErrorAs(t, err, &exitErr)
}

func TestExecute(t *testing.T) {
	service, _ := newService(t, guestSource(bumpAllocate, `(i32.const 1)`), nil)

	result, err := service.Execute(context.Background(), "%solve x : nat.")
	require.NoError(t, err)

	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, []string{"ok"}, result.Output)
}

func TestWriteInputThenCapturedOutputIsEmpty(t *testing.T) {
	_, instance := newService(t, guestSource(bumpAllocate, `(i32.const 0)`), nil)

	_, _, err := instance.WriteInput(context.Background(), "some text")
	require.NoError(t, err)

	assert.Empty(t, instance.CapturedOutput())
}

func TestCustomExportNames(t *testing.T) {
	source := strings.Replace(guestSource(bumpAllocate, `(i32.const 0)`),
		`(export "open")`, `(export "twelf_open")`, 1)

	service, _ := newService(t, source, &wasm.InstanceConfig{
		Exports: guestabi.Exports{Open: "twelf_open"},
	})

	_, err := service.Parse(context.Background(), "x")
	assert.NoError(t, err)
}

// blockingGuest is a Guest whose calls wait until released.
type blockingGuest struct {
	entered chan struct{}
	release chan struct{}
}

func (g *blockingGuest) Exports() guestabi.Exports { return guestabi.DefaultExports() }
func (g *blockingGuest) ResetOutput()              {}
func (g *blockingGuest) CapturedOutput() []string  { return nil }
func (g *blockingGuest) Closed() bool              { return false }

func (g *blockingGuest) WriteInput(ctx context.Context, text string) (uint32, uint32, error) {
	return 1024, uint32(len(text)), nil
}

func (g *blockingGuest) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	close(g.entered)
	<-g.release
	return []uint64{0}, nil
}

func TestParseRejectsOverlappingCalls(t *testing.T) {
	guest := &blockingGuest{entered: make(chan struct{}), release: make(chan struct{})}
	service := NewService(guest, zaptest.NewLogger(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := service.Parse(ctx, "first")
		assert.NoError(t, err)
	}()

	<-guest.entered
	_, err := service.Parse(ctx, "second")
	assert.ErrorIs(t, err, ErrInvocationInProgress)

	close(guest.release)
	wg.Wait()
}

func TestDispatchDefaultsToNoop(t *testing.T) {
	service := NewService(&blockingGuest{}, zaptest.NewLogger(t))
	assert.NotPanics(t, func() { service.Dispatch(nil) })

	var got []Action
	service = NewService(&blockingGuest{}, zaptest.NewLogger(t), WithDispatch(func(a Action) {
		got = append(got, a)
	}))
	service.Dispatch(nil)
	assert.Len(t, got, 1)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "ABORT", StatusAbort.String())
	assert.Equal(t, "Status(5)", Status(5).String())
}
