package wsframe

import (
	"encoding/binary"
	"math/bits"
)

// Mask XORs b in place with key, starting at key offset pos, and returns the
// key offset following the last byte. Masking and unmasking are the same
// operation.
func Mask(key [4]byte, pos int, b []byte) int {
	if len(b) < 8 {
		for i := range b {
			b[i] ^= key[pos&3]
			pos++
		}
		return pos & 3
	}

	// 8 bytes per step; a multiple of 8 leaves pos unchanged.
	k := uint64(binary.LittleEndian.Uint32(key[:]))
	k |= k << 32
	k = bits.RotateLeft64(k, -pos*8)
	i := 0
	for ; len(b)-i >= 8; i += 8 {
		binary.LittleEndian.PutUint64(b[i:], binary.LittleEndian.Uint64(b[i:])^k)
	}
	for ; i < len(b); i++ {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}
