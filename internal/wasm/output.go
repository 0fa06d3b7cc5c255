package wasm

import "bytes"

// OutputBuffer collects what a guest prints, split into lines.
//
// Only the fd_write handler appends to it. Bytes are kept raw until a line
// is complete so multi-byte characters split across writes decode intact.
type OutputBuffer struct {
	lines   []string
	partial []byte
}

// NewOutputBuffer creates an empty buffer.
func NewOutputBuffer() *OutputBuffer {
	return &OutputBuffer{}
}

// Write appends guest output. It implements io.Writer and never fails.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			b.partial = append(b.partial, p...)
			break
		}
		b.partial = append(b.partial, p[:i]...)
		b.lines = append(b.lines, decodeText(b.partial))
		b.partial = b.partial[:0]
		p = p[i+1:]
	}
	return n, nil
}

// Reset discards everything captured so far.
func (b *OutputBuffer) Reset() {
	b.lines = nil
	b.partial = b.partial[:0]
}

// Lines returns a copy of the captured lines. A trailing line without a
// newline is included when it is non-empty. The buffer is not modified.
func (b *OutputBuffer) Lines() []string {
	out := make([]string, 0, len(b.lines)+1)
	out = append(out, b.lines...)
	if len(b.partial) > 0 {
		out = append(out, decodeText(b.partial))
	}
	return out
}

// Len returns the number of lines Lines would return.
func (b *OutputBuffer) Len() int {
	if len(b.partial) > 0 {
		return len(b.lines) + 1
	}
	return len(b.lines)
}
