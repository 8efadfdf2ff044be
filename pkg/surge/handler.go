package surge

import (
	"github.com/FumingPower3925/surge/internal/h1"
	"github.com/FumingPower3925/surge/internal/registry"
	"github.com/FumingPower3925/surge/internal/wsframe"
)

// Conn is one client connection. Its State field belongs to the application.
type Conn[S any] = registry.Conn[S]

// ConnID identifies a connection for Server.Send and Server.Disconnect.
type ConnID = registry.ID

// Handler receives the connection lifecycle. Every method runs on the
// connection's event loop and must not block.
type Handler[S any] = registry.Handler[S]

// HTTPRequest is a plain HTTP request that did not ask for an upgrade.
type HTTPRequest = h1.Request

// HTTPResponse is the response to an HTTPRequest.
type HTTPResponse = h1.Response

// HTTPHandler answers requests that are not WebSocket upgrades.
type HTTPHandler = registry.HTTPHandler

// Opcode identifies a WebSocket frame type.
type Opcode = wsframe.Opcode

// Message opcodes.
const (
	OpText   = wsframe.OpText
	OpBinary = wsframe.OpBinary
	OpClose  = wsframe.OpClose
	OpPing   = wsframe.OpPing
	OpPong   = wsframe.OpPong
)

// Close status codes.
const (
	CloseNormal         = wsframe.CloseNormal
	CloseGoingAway      = wsframe.CloseGoingAway
	CloseProtocolError  = wsframe.CloseProtocolError
	CloseInvalidPayload = wsframe.CloseInvalidPayload
	CloseMessageTooBig  = wsframe.CloseMessageTooBig
	CloseInternalError  = wsframe.CloseInternalError
)

var (
	// ErrConnClosed is returned when sending to a closed connection.
	ErrConnClosed = registry.ErrConnClosed
	// ErrNotUpgraded is returned when sending before the handshake.
	ErrNotUpgraded = registry.ErrNotUpgraded
)

// HandlerFuncs is an adapter to build a Handler from plain functions. Nil
// fields are skipped.
type HandlerFuncs[S any] struct {
	Connect    func(c *Conn[S])
	Message    func(c *Conn[S], op Opcode, payload []byte)
	Disconnect func(c *Conn[S])
}

// OnConnect calls h.Connect(c).
func (h HandlerFuncs[S]) OnConnect(c *Conn[S]) {
	if h.Connect != nil {
		h.Connect(c)
	}
}

// OnMessage calls h.Message(c, op, payload).
func (h HandlerFuncs[S]) OnMessage(c *Conn[S], op Opcode, payload []byte) {
	if h.Message != nil {
		h.Message(c, op, payload)
	}
}

// OnDisconnect calls h.Disconnect(c).
func (h HandlerFuncs[S]) OnDisconnect(c *Conn[S]) {
	if h.Disconnect != nil {
		h.Disconnect(c)
	}
}

// Echo is a Handler that sends every message back with its opcode.
func Echo[S any]() Handler[S] {
	return HandlerFuncs[S]{
		Message: func(c *Conn[S], op Opcode, payload []byte) {
			_ = c.Send(op, payload)
		},
	}
}
