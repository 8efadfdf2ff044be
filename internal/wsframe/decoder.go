package wsframe

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/FumingPower3925/surge/internal/bytestream"
)

var (
	// ErrProtocol is wrapped by every framing violation.
	ErrProtocol = errors.New("websocket protocol violation")
	// ErrMessageTooBig is returned when a message would exceed MaxMessageSize.
	ErrMessageTooBig = errors.New("websocket message too big")
	// ErrInvalidUTF8 is returned for text messages that are not valid UTF-8.
	ErrInvalidUTF8 = errors.New("websocket text message is not valid utf-8")
	// ErrCloseReceived is returned after a close frame has been handled.
	ErrCloseReceived = errors.New("websocket close frame received")
)

// Events receives what the decoder extracts. A non-nil error stops decoding
// and is returned from Decode unchanged.
type Events interface {
	// OnMessage is called with a complete, unmasked message. The decoder
	// gives up ownership of payload.
	OnMessage(op Opcode, payload []byte) error
	// OnPing is called for every ping frame.
	OnPing(payload []byte) error
	// OnClose is called for a close frame; Decode then returns ErrCloseReceived.
	OnClose(payload []byte) error
}

// Decoder holds the reassembly state of one connection.
type Decoder struct {
	// MaxMessageSize caps a reassembled message. Zero or a negative value
	// means no limit.
	MaxMessageSize int
	// ValidateUTF8 rejects text messages that are not valid UTF-8.
	ValidateUTF8 bool
	// Strict also rejects frames that parse cleanly but break RFC 6455
	// rules, such as reserved bits or an oversized ping. See check.
	Strict bool

	opcode Opcode
	data   []byte
}

// NewDecoder returns a decoder with no message in progress.
func NewDecoder(maxMessageSize int, validateUTF8 bool) *Decoder {
	return &Decoder{
		MaxMessageSize: maxMessageSize,
		ValidateUTF8:   validateUTF8,
		opcode:         opNone,
	}
}

// Reset abandons any message in progress.
func (d *Decoder) Reset() {
	d.opcode = opNone
	d.data = nil
}

// InProgress reports whether a fragmented message is being reassembled.
func (d *Decoder) InProgress() bool {
	return d.opcode != opNone
}

// Pending returns the opcode and bytes of the message in progress.
func (d *Decoder) Pending() (Opcode, []byte) {
	return d.opcode, d.data
}

// Decode extracts every complete frame buffered in r. Bytes belonging to a
// frame that has not fully arrived are left in r untouched, so calling Decode
// again after more data arrives resumes exactly where it stopped. It returns
// nil when it needs more data.
func (d *Decoder) Decode(r bytestream.Reader, ev Events) error {
	for {
		buffered := r.InboundBuffered()
		if buffered < 2 {
			return nil
		}
		peek, err := r.Peek(min(buffered, maxPeek))
		if err != nil {
			return nil
		}
		h, n, ok := ParseHeader(peek)
		if !ok {
			return nil
		}
		if err := d.check(h); err != nil {
			return err
		}

		size := uint64(n)
		if h.Masked {
			size += 4
		}
		if uint64(buffered) < size+h.Length {
			return nil
		}

		if _, err := r.Discard(n); err != nil {
			return err
		}
		if h.Masked {
			key, err := r.Next(4)
			if err != nil {
				return err
			}
			copy(h.Key[:], key)
		}
		var payload []byte
		if h.Length > 0 {
			if payload, err = r.Next(int(h.Length)); err != nil {
				return err
			}
		}

		if h.Opcode.IsControl() {
			body := make([]byte, len(payload))
			copy(body, payload)
			if h.Masked {
				Mask(h.Key, 0, body)
			}
			if err := d.control(h.Opcode, body, ev); err != nil {
				return err
			}
			continue
		}

		start := len(d.data)
		d.data = append(d.data, payload...)
		if h.Masked {
			Mask(h.Key, 0, d.data[start:])
		}
		if h.Opcode != OpContinuation {
			d.opcode = h.Opcode
		}
		if !h.Fin {
			continue
		}

		op, msg := d.opcode, d.data
		d.Reset()
		if msg == nil {
			msg = []byte{}
		}
		if op == OpText && d.ValidateUTF8 && !utf8.Valid(msg) {
			return ErrInvalidUTF8
		}
		if err := ev.OnMessage(op, msg); err != nil {
			return err
		}
	}
}

// check validates a header before any of its bytes are consumed.
// Unknown control opcodes and broken fragmentation sequences are always
// violations; the rest of the RFC checks apply only in Strict mode.
func (d *Decoder) check(h Header) error {
	if d.Strict && h.Rsv != 0 {
		return fmt.Errorf("%w: reserved bits set", ErrProtocol)
	}
	if h.Length > math.MaxInt64 {
		return fmt.Errorf("%w: payload length out of range", ErrProtocol)
	}

	limit := uint64(math.MaxInt)
	if d.MaxMessageSize > 0 {
		limit = uint64(d.MaxMessageSize)
	}

	if h.Opcode.IsControl() {
		switch h.Opcode {
		case OpClose, OpPing, OpPong:
		default:
			return fmt.Errorf("%w: unknown control opcode %#x", ErrProtocol, uint8(h.Opcode))
		}
		if !d.Strict {
			if h.Length > limit {
				return ErrMessageTooBig
			}
			return nil
		}
		if !h.Fin {
			return fmt.Errorf("%w: fragmented %s frame", ErrProtocol, h.Opcode)
		}
		if h.Length > MaxControlPayloadLen {
			return fmt.Errorf("%w: %s payload of %d bytes", ErrProtocol, h.Opcode, h.Length)
		}
		return nil
	}

	if d.Strict && h.Opcode > OpBinary {
		return fmt.Errorf("%w: reserved data opcode %#x", ErrProtocol, uint8(h.Opcode))
	}
	if d.InProgress() == (h.Opcode != OpContinuation) {
		if h.Opcode == OpContinuation {
			return fmt.Errorf("%w: continuation frame without a message in progress", ErrProtocol)
		}
		return fmt.Errorf("%w: new %s message while another is in progress", ErrProtocol, h.Opcode)
	}

	if used := uint64(len(d.data)); h.Length > limit || used > limit-h.Length {
		return ErrMessageTooBig
	}
	return nil
}

func (d *Decoder) control(op Opcode, payload []byte, ev Events) error {
	switch op {
	case OpPing:
		return ev.OnPing(payload)
	case OpClose:
		if err := ev.OnClose(payload); err != nil {
			return err
		}
		return ErrCloseReceived
	default:
		// pong
		return nil
	}
}

// CloseCode maps a decode error to the status code sent before disconnecting.
func CloseCode(err error) uint16 {
	switch {
	case errors.Is(err, ErrMessageTooBig):
		return CloseMessageTooBig
	case errors.Is(err, ErrInvalidUTF8):
		return CloseInvalidPayload
	case errors.Is(err, ErrProtocol):
		return CloseProtocolError
	default:
		return CloseInternalError
	}
}
