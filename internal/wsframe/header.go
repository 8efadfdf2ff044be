package wsframe

import (
	"encoding/binary"
	"math"
)

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	// maxPeek covers every length encoding: 2 bytes + 8-byte extended length.
	maxPeek = 10
	// MaxHeaderLen is the largest possible header including the masking key.
	MaxHeaderLen = 14
)

// Header is a decoded frame header.
type Header struct {
	Fin    bool
	Rsv    byte
	Opcode Opcode
	Masked bool
	Length uint64
	Key    [4]byte
}

// ParseHeader decodes the fixed part of a frame header from p. It returns the
// header, the number of header bytes preceding the masking key, and whether p
// held enough bytes to decide. The masking key is not read.
func ParseHeader(p []byte) (h Header, n int, ok bool) {
	if len(p) < 2 {
		return h, 0, false
	}
	h.Fin = p[0]&finBit != 0
	h.Rsv = p[0] & rsvBits
	h.Opcode = Opcode(p[0] & 0x0F)
	h.Masked = p[1]&maskBit != 0

	switch short := p[1] & 0x7F; short {
	case 126:
		if len(p) < 4 {
			return h, 0, false
		}
		h.Length = uint64(binary.BigEndian.Uint16(p[2:4]))
		n = 4
	case 127:
		if len(p) < 10 {
			return h, 0, false
		}
		h.Length = binary.BigEndian.Uint64(p[2:10])
		n = 10
	default:
		h.Length = uint64(short)
		n = 2
	}
	return h, n, true
}

// Size returns the full header length including the masking key.
func (h Header) Size() int {
	n := 2
	switch {
	case h.Length > math.MaxUint16:
		n = 10
	case h.Length > 125:
		n = 4
	}
	if h.Masked {
		n += 4
	}
	return n
}

// AppendHeader appends an unmasked, final frame header for a payload of n
// bytes to dst.
func AppendHeader(dst []byte, op Opcode, n int) []byte {
	b0 := byte(finBit) | byte(op&0x0F)
	switch {
	case n <= 125:
		return append(dst, b0, byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, b0, 126)
		return binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, 127)
		return binary.BigEndian.AppendUint64(dst, uint64(n))
	}
}

// Frame returns a server frame as header and payload slices. The payload is
// not copied.
func Frame(op Opcode, payload []byte) (header, body []byte) {
	return AppendHeader(make([]byte, 0, maxPeek), op, len(payload)), payload
}

// AppendFrame appends a complete unmasked frame to dst.
func AppendFrame(dst []byte, op Opcode, payload []byte) []byte {
	dst = AppendHeader(dst, op, len(payload))
	return append(dst, payload...)
}

// AppendMaskedFrame appends a masked frame, as a client would send it. fin
// controls the FIN bit so fragmented sequences can be built.
func AppendMaskedFrame(dst []byte, fin bool, op Opcode, key [4]byte, payload []byte) []byte {
	start := len(dst)
	dst = AppendHeader(dst, op, len(payload))
	if !fin {
		dst[start] &^= finBit
	}
	dst[start+1] |= maskBit
	dst = append(dst, key[:]...)
	off := len(dst)
	dst = append(dst, payload...)
	Mask(key, 0, dst[off:])
	return dst
}
