package registry

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/FumingPower3925/surge/internal/bytestream"
	"github.com/FumingPower3925/surge/internal/h1"
	"github.com/FumingPower3925/surge/internal/metrics"
	"github.com/FumingPower3925/surge/internal/wsframe"
)

// errStopped stops the decoder after a callback closed the connection.
var errStopped = errors.New("registry: connection closing")

// Conn is one accepted socket. State is owned by the application.
type Conn[S any] struct {
	State S

	id     ID
	reg    *Registry[S]
	sock   Socket
	remote string

	outbox     bytestream.Outbox
	mode       atomic.Uint32
	reason     atomic.Pointer[string]
	lastActive atomic.Int64

	// Everything below is touched only by the event loop.
	parser    *h1.Parser
	req       h1.Request
	decoder   *wsframe.Decoder
	events    wsEvents[S]
	connected bool
	path      string
	header    [][2]string
	traceCtx  context.Context
	bufs      [][]byte
	releases  []func()
}

func newConn[S any](r *Registry[S], id ID, sock Socket) *Conn[S] {
	c := &Conn[S]{
		id:     id,
		reg:    r,
		sock:   sock,
		parser: h1.NewParser(r.cfg.MaxHeaderBytes, r.cfg.MaxBodyBytes),
	}
	if addr := sock.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	c.events.c = c
	c.touch()
	return c
}

// ID returns the connection's registry ID.
func (c *Conn[S]) ID() ID { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn[S]) RemoteAddr() string { return c.remote }

// Mode returns the protocol the connection currently speaks.
func (c *Conn[S]) Mode() Mode { return Mode(c.mode.Load()) }

// Path returns the request target of the upgrade request.
func (c *Conn[S]) Path() string { return c.path }

// Header returns the first value of a header from the upgrade request.
func (c *Conn[S]) Header(name string) string {
	for _, h := range c.header {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Send queues one unmasked frame carrying a copy of payload. It is safe to
// call from any goroutine.
func (c *Conn[S]) Send(op wsframe.Opcode, payload []byte) error {
	if err := c.sendable(); err != nil {
		return err
	}
	return c.enqueueFrame(op, payload)
}

// SendText sends a text message.
func (c *Conn[S]) SendText(s string) error {
	if err := c.sendable(); err != nil {
		return err
	}
	frame := wsframe.AppendHeader(make([]byte, 0, wsframe.MaxHeaderLen+len(s)), wsframe.OpText, len(s))
	return c.enqueue(wsframe.OpText, bytestream.Segment{Data: append(frame, s...)})
}

// SendBinary sends a binary message.
func (c *Conn[S]) SendBinary(b []byte) error {
	return c.Send(wsframe.OpBinary, b)
}

// SendBuffer queues payload without copying it. release runs once the bytes
// have been written or dropped. On error the caller keeps ownership and
// release is not called.
func (c *Conn[S]) SendBuffer(op wsframe.Opcode, payload []byte, release func()) error {
	if err := c.sendable(); err != nil {
		return err
	}
	header := wsframe.AppendHeader(make([]byte, 0, wsframe.MaxHeaderLen), op, len(payload))
	return c.enqueue(op,
		bytestream.Segment{Data: header},
		bytestream.Segment{Data: payload, Release: release},
	)
}

// Close disconnects the connection after queued output has been flushed.
// It is idempotent and safe to call from callbacks and other goroutines.
func (c *Conn[S]) Close() {
	if c.markClosing("local") {
		_ = c.sock.Wake(nil)
	}
}

// CloseWithStatus sends a close frame with code and reason, then disconnects.
func (c *Conn[S]) CloseWithStatus(code uint16, reason string) {
	c.closeWith(code, reason, "local")
}

func (c *Conn[S]) closeWith(code uint16, text, reason string) {
	if c.isClosing() {
		return
	}
	if c.Mode() == ModeWebSocket {
		_ = c.enqueueFrame(wsframe.OpClose, wsframe.ClosePayload(code, text))
	}
	if c.markClosing(reason) {
		_ = c.sock.Wake(nil)
	}
}

func (c *Conn[S]) sendable() error {
	if c.isClosing() {
		return ErrConnClosed
	}
	if c.Mode() != ModeWebSocket {
		return ErrNotUpgraded
	}
	return nil
}

// enqueueFrame queues header and a copy of payload as a single segment.
func (c *Conn[S]) enqueueFrame(op wsframe.Opcode, payload []byte) error {
	frame := wsframe.AppendFrame(make([]byte, 0, wsframe.MaxHeaderLen+len(payload)), op, payload)
	return c.enqueue(op, bytestream.Segment{Data: frame})
}

func (c *Conn[S]) enqueue(op wsframe.Opcode, segs ...bytestream.Segment) error {
	wake, err := c.outbox.Append(segs...)
	if err != nil {
		return ErrConnClosed
	}
	metrics.MessagesSent.WithLabelValues(op.String()).Inc()
	if wake {
		_ = c.sock.Wake(nil)
	}
	return nil
}

func (c *Conn[S]) queueRaw(p []byte) {
	if wake, err := c.outbox.Append(bytestream.Segment{Data: p}); err == nil && wake {
		_ = c.sock.Wake(nil)
	}
}

// markClosing records the first disconnect reason. It reports whether this
// call was the one that started closing.
func (c *Conn[S]) markClosing(reason string) bool {
	return c.reason.CompareAndSwap(nil, &reason)
}

func (c *Conn[S]) isClosing() bool { return c.reason.Load() != nil }

func (c *Conn[S]) closeReason() string {
	if p := c.reason.Load(); p != nil {
		return *p
	}
	return "unknown"
}

func (c *Conn[S]) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// wsEvents adapts a connection to wsframe.Events.
type wsEvents[S any] struct {
	c *Conn[S]
}

func (e *wsEvents[S]) OnMessage(op wsframe.Opcode, payload []byte) error {
	c := e.c
	metrics.MessagesReceived.WithLabelValues(op.String()).Inc()
	metrics.MessageSize.Observe(float64(len(payload)))
	if verboseLogging {
		c.reg.logger.Debug("message", zap.Uint64("conn_id", uint64(c.id)), zap.Stringer("opcode", op), zap.Int("size", len(payload)))
	}

	if c.reg.cfg.TraceMessages && c.traceCtx != nil {
		_, span := c.reg.cfg.Tracer.Start(c.traceCtx, "websocket.message",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("websocket.opcode", op.String()),
				attribute.Int("websocket.message_size", len(payload)),
			),
		)
		defer span.End()
	}

	c.reg.handler.OnMessage(c, op, payload)
	if c.isClosing() {
		return errStopped
	}
	return nil
}

func (e *wsEvents[S]) OnPing(payload []byte) error {
	if e.c.isClosing() {
		return errStopped
	}
	return e.c.enqueueFrame(wsframe.OpPong, payload)
}

func (e *wsEvents[S]) OnClose(payload []byte) error {
	c := e.c
	if verboseLogging {
		code, text := wsframe.ParseClosePayload(payload)
		c.reg.logger.Debug("close frame", zap.Uint64("conn_id", uint64(c.id)), zap.Uint16("code", code), zap.String("reason", text))
	}
	_ = c.enqueueFrame(wsframe.OpClose, payload)
	c.markClosing("close_frame")
	return nil
}
