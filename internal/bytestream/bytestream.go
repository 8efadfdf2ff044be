// Package bytestream provides the byte-queue primitives the connection registry
// stages socket I/O through. In production the inbound side is gnet's own
// connection buffer seen through Reader, and outbound data goes through Outbox.
// Buffer is an in-memory Reader for tests and fuzzers that drive the decoder
// and parser without a socket.
package bytestream

import (
	"errors"
	"io"
)

// ErrShortBuffer is returned when fewer bytes are buffered than were requested.
var ErrShortBuffer = io.ErrShortBuffer

// Reader is the inbound side of a connection. Peek never consumes, Discard and
// Next do. gnet.Conn satisfies it, which lets the frame decoder and the HTTP
// parser work directly on gnet's inbound buffer.
type Reader interface {
	// InboundBuffered returns the number of bytes available to read.
	InboundBuffered() int
	// Peek returns the next n bytes without advancing. The slice stays valid
	// until the next Discard or Next.
	Peek(n int) ([]byte, error)
	// Discard skips the next n bytes.
	Discard(n int) (int, error)
	// Next returns the next n bytes and advances past them.
	Next(n int) ([]byte, error)
}

// Buffer is an in-memory Reader used by tests and fuzzers in place of a gnet
// connection. Appended references are kept without copying until they are
// fully drained, at which point their release callback runs.
type Buffer struct {
	chunks []chunk
	size   int
}

type chunk struct {
	data    []byte
	off     int
	release func()
}

var errNegativeCount = errors.New("bytestream: negative count")

// Append copies p onto the end of the buffer.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	b.chunks = append(b.chunks, chunk{data: cp})
	b.size += len(p)
}

// AppendRef appends p without copying. The caller must not modify p until
// release is called, which happens once every byte of p has been drained or
// the buffer is reset.
func (b *Buffer) AppendRef(p []byte, release func()) {
	if len(p) == 0 {
		if release != nil {
			release()
		}
		return
	}
	b.chunks = append(b.chunks, chunk{data: p, release: release})
	b.size += len(p)
}

// Len returns the total number of buffered bytes.
func (b *Buffer) Len() int {
	return b.size
}

// InboundBuffered implements Reader.
func (b *Buffer) InboundBuffered() int {
	return b.size
}

// Peek implements Reader. A non-positive n peeks everything.
func (b *Buffer) Peek(n int) ([]byte, error) {
	if n <= 0 {
		n = b.size
	}
	if n > b.size {
		return nil, ErrShortBuffer
	}
	if n == 0 {
		return nil, nil
	}
	if first := b.chunks[0]; len(first.data)-first.off >= n {
		return first.data[first.off : first.off+n], nil
	}
	out := make([]byte, 0, n)
	for _, c := range b.chunks {
		out = append(out, c.data[c.off:]...)
		if len(out) >= n {
			break
		}
	}
	return out[:n], nil
}

// Discard implements Reader. It drains at most n bytes.
func (b *Buffer) Discard(n int) (int, error) {
	if n < 0 {
		return 0, errNegativeCount
	}
	if n > b.size {
		n = b.size
	}
	left := n
	for left > 0 {
		c := &b.chunks[0]
		avail := len(c.data) - c.off
		if avail > left {
			c.off += left
			break
		}
		left -= avail
		b.popFront()
	}
	b.size -= n
	return n, nil
}

// Next implements Reader. It fails with ErrShortBuffer, consuming nothing, if
// fewer than n bytes are buffered.
func (b *Buffer) Next(n int) ([]byte, error) {
	if n < 0 {
		return nil, errNegativeCount
	}
	if n > b.size {
		return nil, ErrShortBuffer
	}
	out := make([]byte, n)
	peeked, _ := b.Peek(n)
	copy(out, peeked)
	_, _ = b.Discard(n)
	return out, nil
}

// Reset drops every buffered byte, running pending release callbacks.
func (b *Buffer) Reset() {
	for len(b.chunks) > 0 {
		b.popFront()
	}
	b.size = 0
}

func (b *Buffer) popFront() {
	c := b.chunks[0]
	b.chunks[0] = chunk{}
	b.chunks = b.chunks[1:]
	if c.release != nil {
		c.release()
	}
}
