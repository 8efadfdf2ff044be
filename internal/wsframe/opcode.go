// Package wsframe implements the RFC 6455 frame codec: a resumable parser that
// reassembles fragmented messages straight out of a connection's inbound
// buffer, and the server-side frame encoder.
package wsframe

import "strconv"

// Opcode identifies the purpose of a frame.
type Opcode uint8

// Frame opcodes.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// opNone marks "no fragmented message in progress".
const opNone Opcode = 0xFF

// IsControl reports whether op is a control opcode (bit 3 set).
func (op Opcode) IsControl() bool {
	return op&0x08 != 0
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "opcode(" + strconv.Itoa(int(op)) + ")"
	}
}

// Close status codes used by the server.
const (
	CloseNormal         uint16 = 1000
	CloseGoingAway      uint16 = 1001
	CloseProtocolError  uint16 = 1002
	CloseNoStatus       uint16 = 1005
	CloseInvalidPayload uint16 = 1007
	CloseMessageTooBig  uint16 = 1009
	CloseInternalError  uint16 = 1011
)

// MaxControlPayloadLen is the largest payload a control frame may carry.
const MaxControlPayloadLen = 125
