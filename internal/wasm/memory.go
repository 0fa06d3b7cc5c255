package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"golang.org/x/text/encoding/unicode"
)

// Memory is the host's reference to a guest's linear memory.
//
// Import handlers are built before the guest exists, so they capture an
// empty Memory that is bound once instantiation succeeds. Every accessor
// checks the bound flag and fails with ErrMemoryUnbound until then.
//
// The underlying buffer may be replaced when the guest grows its memory, so
// byte slices obtained from api.Memory are never retained: reads copy and
// writes go through the live api.Memory.
type Memory struct {
	mem   api.Memory
	bound bool
}

// NewMemory creates an unbound memory reference.
func NewMemory() *Memory {
	return &Memory{}
}

// Bind attaches the guest's memory. It may be called once.
func (m *Memory) Bind(mem api.Memory) error {
	if mem == nil {
		return fmt.Errorf("cannot bind nil guest memory")
	}
	if m.bound {
		return fmt.Errorf("guest memory already bound")
	}
	m.mem = mem
	m.bound = true
	return nil
}

// Bound reports whether the guest's memory has been attached.
func (m *Memory) Bound() bool {
	return m.bound
}

// Size returns the current size of guest memory in bytes.
func (m *Memory) Size() (uint32, error) {
	if !m.bound {
		return 0, ErrMemoryUnbound
	}
	return m.mem.Size(), nil
}

// ReadBytes copies length bytes starting at ptr out of guest memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, error) {
	if !m.bound {
		return nil, &MemoryAccessError{Operation: "read", Address: ptr, Length: length, Err: ErrMemoryUnbound}
	}
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, &MemoryAccessError{Operation: "read", Address: ptr, Length: length, Err: errOutOfRange}
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// ReadString reads a null-terminated string from Wasm memory.
func (m *Memory) ReadString(ptr uint32, maxLen uint32) (string, error) {
	buf, err := m.ReadBytes(ptr, maxLen)
	if err != nil {
		return "", err
	}

	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}

	return string(buf[:end]), nil
}

// ReadUint32Le reads a little-endian uint32 at ptr.
func (m *Memory) ReadUint32Le(ptr uint32) (uint32, error) {
	if !m.bound {
		return 0, &MemoryAccessError{Operation: "read_u32", Address: ptr, Length: 4, Err: ErrMemoryUnbound}
	}
	v, ok := m.mem.ReadUint32Le(ptr)
	if !ok {
		return 0, &MemoryAccessError{Operation: "read_u32", Address: ptr, Length: 4, Err: errOutOfRange}
	}
	return v, nil
}

// ReadUint64Le reads a little-endian uint64 at ptr.
func (m *Memory) ReadUint64Le(ptr uint32) (uint64, error) {
	if !m.bound {
		return 0, &MemoryAccessError{Operation: "read_u64", Address: ptr, Length: 8, Err: ErrMemoryUnbound}
	}
	v, ok := m.mem.ReadUint64Le(ptr)
	if !ok {
		return 0, &MemoryAccessError{Operation: "read_u64", Address: ptr, Length: 8, Err: errOutOfRange}
	}
	return v, nil
}

// WriteBytes copies data into guest memory at ptr.
func (m *Memory) WriteBytes(ptr uint32, data []byte) error {
	length := uint32(len(data))
	if !m.bound {
		return &MemoryAccessError{Operation: "write", Address: ptr, Length: length, Err: ErrMemoryUnbound}
	}
	if !m.mem.Write(ptr, data) {
		return &MemoryAccessError{Operation: "write", Address: ptr, Length: length, Err: errOutOfRange}
	}
	return nil
}

// WriteUint32Le writes a little-endian uint32 at ptr.
func (m *Memory) WriteUint32Le(ptr uint32, v uint32) error {
	if !m.bound {
		return &MemoryAccessError{Operation: "write_u32", Address: ptr, Length: 4, Err: ErrMemoryUnbound}
	}
	if !m.mem.WriteUint32Le(ptr, v) {
		return &MemoryAccessError{Operation: "write_u32", Address: ptr, Length: 4, Err: errOutOfRange}
	}
	return nil
}

// WriteUint64Le writes a little-endian uint64 at ptr.
func (m *Memory) WriteUint64Le(ptr uint32, v uint64) error {
	if !m.bound {
		return &MemoryAccessError{Operation: "write_u64", Address: ptr, Length: 8, Err: ErrMemoryUnbound}
	}
	if !m.mem.WriteUint64Le(ptr, v) {
		return &MemoryAccessError{Operation: "write_u64", Address: ptr, Length: 8, Err: errOutOfRange}
	}
	return nil
}

// Allocator reserves size bytes of guest memory and returns the pointer
// the guest reported.
type Allocator func(ctx context.Context, size uint32) (uint32, error)

// WriteInput encodes text as UTF-8, asks the guest allocator for room and
// copies the bytes in. It returns the guest pointer and byte length.
//
// Errors from allocate are returned as the allocator reports them;
// Instance.WriteInput reports a failing guest allocator as
// *AllocationError. Invalid pointers and regions outside guest memory are
// reported as *AllocationError and leave guest memory untouched.
func (m *Memory) WriteInput(ctx context.Context, allocate Allocator, text string) (uint32, uint32, error) {
	encoded, err := encodeText(text)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode input: %w", err)
	}
	if uint64(len(encoded)) > maxGuestAddress {
		return 0, 0, &AllocationError{Reason: "input exceeds addressable guest memory"}
	}
	length := uint32(len(encoded))

	if allocate == nil {
		return 0, 0, &AllocationError{Size: length, Reason: "guest does not export an allocator"}
	}
	if !m.bound {
		return 0, 0, &AllocationError{Size: length, Reason: "guest memory not bound", Err: ErrMemoryUnbound}
	}

	ptr, err := allocate(ctx, length)
	if err != nil {
		return 0, 0, err
	}

	// Guest pointers are i32; zero and negative values signal failure.
	if int32(ptr) <= 0 {
		return 0, 0, &AllocationError{Size: length, Ptr: ptr, Reason: "allocator returned an invalid pointer"}
	}

	// The allocator may have grown memory; check against the current size.
	size := m.mem.Size()
	if uint64(ptr)+uint64(length) > uint64(size) {
		return 0, 0, &AllocationError{
			Size:   length,
			Ptr:    ptr,
			Reason: fmt.Sprintf("region exceeds guest memory of %d bytes", size),
		}
	}

	if length > 0 && !m.mem.Write(ptr, encoded) {
		return 0, 0, &AllocationError{Size: length, Ptr: ptr, Reason: "write to guest memory failed"}
	}

	return ptr, length, nil
}

const maxGuestAddress = 1 << 32

var errOutOfRange = errors.New("out of range of guest memory")

// encodeText converts host text into the UTF-8 bytes the guest reads.
// Ill-formed sequences become U+FFFD.
func encodeText(text string) ([]byte, error) {
	return unicode.UTF8.NewEncoder().Bytes([]byte(text))
}

// decodeText converts guest bytes into host text.
// Ill-formed sequences become U+FFFD.
func decodeText(b []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}
