package wasm

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/wasm-runtime/wat"
)

// guestMemory instantiates a module with one page of memory and returns it.
func guestMemory(t *testing.T) api.Memory {
	t.Helper()

	ctx := context.Background()
	wasmBytes, err := wat.Compile(`(module (memory (export "memory") 1))`)
	if err != nil {
		t.Fatalf("Failed to compile WAT: %v", err)
	}

	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	mod, err := r.Instantiate(ctx, wasmBytes)
	if err != nil {
		t.Fatalf("Failed to instantiate: %v", err)
	}
	return mod.ExportedMemory("memory")
}

func TestMemoryUnbound(t *testing.T) {
	mem := NewMemory()

	if mem.Bound() {
		t.Fatal("New memory should be unbound")
	}
	if _, err := mem.ReadBytes(0, 4); !errors.Is(err, ErrMemoryUnbound) {
		t.Errorf("ReadBytes: got %v, want ErrMemoryUnbound", err)
	}
	if err := mem.WriteUint32Le(0, 1); !errors.Is(err, ErrMemoryUnbound) {
		t.Errorf("WriteUint32Le: got %v, want ErrMemoryUnbound", err)
	}
	if _, err := mem.Size(); !errors.Is(err, ErrMemoryUnbound) {
		t.Errorf("Size: got %v, want ErrMemoryUnbound", err)
	}

	allocate := func(ctx context.Context, size uint32) (uint32, error) {
		t.Fatal("allocator must not be called while memory is unbound")
		return 0, nil
	}
	_, _, err := mem.WriteInput(context.Background(), allocate, "x")
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Errorf("WriteInput: got %v, want AllocationError", err)
	}
}

func TestMemoryBind(t *testing.T) {
	mem := NewMemory()

	if err := mem.Bind(nil); err == nil {
		t.Error("Binding nil memory should fail")
	}

	guest := guestMemory(t)
	if err := mem.Bind(guest); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := mem.Bind(guest); err == nil {
		t.Error("Second bind should fail")
	}

	size, err := mem.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 65536 {
		t.Errorf("Size = %d, want 65536", size)
	}
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory()
	if err := mem.Bind(guestMemory(t)); err != nil {
		t.Fatal(err)
	}

	if err := mem.WriteUint32Le(0, 0x12345678); err != nil {
		t.Fatalf("WriteUint32Le failed: %v", err)
	}
	v, err := mem.ReadUint32Le(0)
	if err != nil {
		t.Fatalf("ReadUint32Le failed: %v", err)
	}
	if v != 0x12345678 {
		t.Errorf("ReadUint32Le = %#x, want 0x12345678", v)
	}

	if err := mem.WriteBytes(100, []byte("twelf\x00junk")); err != nil {
		t.Fatal(err)
	}
	s, err := mem.ReadString(100, 10)
	if err != nil {
		t.Fatal(err)
	}
	if s != "twelf" {
		t.Errorf("ReadString = %q, want twelf", s)
	}

	// Reads are copies.
	data, err := mem.ReadBytes(100, 5)
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'
	again, _ := mem.ReadBytes(100, 5)
	if string(again) != "twelf" {
		t.Errorf("ReadBytes returned a view into guest memory")
	}

	var accessErr *MemoryAccessError
	if _, err := mem.ReadBytes(65530, 10); !errors.As(err, &accessErr) {
		t.Errorf("Out of range read: got %v, want MemoryAccessError", err)
	}
	if err := mem.WriteUint64Le(65532, 1); !errors.As(err, &accessErr) {
		t.Errorf("Out of range write: got %v, want MemoryAccessError", err)
	}
}

func TestMemoryWriteInput(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		ptr     uint32
		text    string
		wantErr bool
	}{
		{name: "valid", ptr: 1024, text: "%sig nat.\n"},
		{name: "empty text", ptr: 1024, text: ""},
		{name: "zero pointer", ptr: 0, text: "x", wantErr: true},
		{name: "negative pointer", ptr: 0x80000000, text: "x", wantErr: true},
		{name: "past end of memory", ptr: 65535, text: "xy", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := NewMemory()
			if err := mem.Bind(guestMemory(t)); err != nil {
				t.Fatal(err)
			}

			var requested uint32
			allocate := func(ctx context.Context, size uint32) (uint32, error) {
				requested = size
				return tt.ptr, nil
			}

			ptr, length, err := mem.WriteInput(ctx, allocate, tt.text)
			if tt.wantErr {
				var allocErr *AllocationError
				if !errors.As(err, &allocErr) {
					t.Fatalf("got %v, want AllocationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("WriteInput failed: %v", err)
			}
			if ptr != tt.ptr {
				t.Errorf("ptr = %d, want %d", ptr, tt.ptr)
			}
			if length != uint32(len(tt.text)) || requested != length {
				t.Errorf("length = %d, requested = %d, want %d", length, requested, len(tt.text))
			}
			data, err := mem.ReadBytes(ptr, length)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.text {
				t.Errorf("memory = %q, want %q", data, tt.text)
			}
		})
	}
}

func TestMemoryWriteInputAllocatorError(t *testing.T) {
	mem := NewMemory()
	if err := mem.Bind(guestMemory(t)); err != nil {
		t.Fatal(err)
	}

	exit := &UnexpectedExitError{Code: 1}
	allocate := func(ctx context.Context, size uint32) (uint32, error) {
		return 0, exit
	}

	_, _, err := mem.WriteInput(context.Background(), allocate, "x")
	if err != exit {
		t.Errorf("got %v, want the allocator's error unchanged", err)
	}
}

func TestMemoryWriteInputInvalidUTF8(t *testing.T) {
	mem := NewMemory()
	if err := mem.Bind(guestMemory(t)); err != nil {
		t.Fatal(err)
	}

	allocate := func(ctx context.Context, size uint32) (uint32, error) {
		return 2048, nil
	}

	ptr, length, err := mem.WriteInput(context.Background(), allocate, "a\xffb")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := mem.ReadBytes(ptr, length)
	if string(data) != "a�b" {
		t.Errorf("memory = %q, want %q", data, "a�b")
	}
}
