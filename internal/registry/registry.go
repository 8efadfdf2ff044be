// Package registry owns the live connections of a server. It maps the opaque
// IDs carried by transport callbacks to per-connection state, runs the HTTP
// and WebSocket consumers for each readiness event, and guarantees that a
// connection is never used after its teardown.
package registry

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/FumingPower3925/surge/internal/bytestream"
	"github.com/FumingPower3925/surge/internal/h1"
	"github.com/FumingPower3925/surge/internal/metrics"
	"github.com/FumingPower3925/surge/internal/wsframe"
)

// verboseLogging controls hot-path logging; keep false for performance runs.
const verboseLogging = false

// fallbackMaxConnections is used when the descriptor limit cannot be read.
const fallbackMaxConnections = 10000

var (
	// ErrResourceExhausted is returned by Accept when every slot is in use.
	ErrResourceExhausted = errors.New("registry: connection limit reached")
	// ErrConnClosed is returned when sending to a connection that is gone or
	// closing.
	ErrConnClosed = errors.New("registry: connection closed")
	// ErrNotUpgraded is returned when sending a frame before the handshake.
	ErrNotUpgraded = errors.New("registry: connection has not upgraded to websocket")
)

// ID identifies a connection. The high 32 bits are the slot generation and
// the low 32 bits the slot index, so an ID never resolves once its
// connection has been torn down, even after the slot is reused.
type ID uint64

func makeID(gen, slot uint32) ID { return ID(uint64(gen)<<32 | uint64(slot)) }

func (id ID) slot() uint32 { return uint32(id) }
func (id ID) gen() uint32  { return uint32(id >> 32) }

// Mode is the protocol a connection currently speaks.
type Mode uint32

const (
	ModeHTTP Mode = iota
	ModeWebSocket
)

func (m Mode) String() string {
	if m == ModeWebSocket {
		return "websocket"
	}
	return "http"
}

// Socket is the part of a transport connection the registry needs. gnet.Conn
// satisfies it. Writev is only called from the connection's event loop;
// Wake may be called from any goroutine and must schedule a later
// OnReadable for the same connection.
type Socket interface {
	bytestream.Reader
	Writev(bs [][]byte) (int, error)
	Wake(cb gnet.AsyncCallback) error
	RemoteAddr() net.Addr
}

// Handler receives connection lifecycle events. All three run on the
// connection's event loop.
type Handler[S any] interface {
	// OnConnect runs once the handshake response has been queued.
	OnConnect(c *Conn[S])
	// OnMessage runs for every complete message. payload is owned by the
	// handler.
	OnMessage(c *Conn[S], op wsframe.Opcode, payload []byte)
	// OnDisconnect runs once per connection that saw OnConnect.
	OnDisconnect(c *Conn[S])
}

// HTTPHandler answers requests that are not WebSocket upgrades.
type HTTPHandler func(req *h1.Request, res *h1.Response)

// Config holds registry limits and collaborators.
type Config struct {
	MaxConnections int
	MaxHeaderBytes int
	MaxBodyBytes   int64
	// MaxMessageSize caps reassembled messages; -1 disables the cap.
	MaxMessageSize int
	ValidateUTF8   bool
	StrictRFC      bool
	IdleTimeout    time.Duration
	ServerName     string
	CompressHTTP   bool
	// TraceMessages starts a span for every delivered message.
	TraceMessages bool

	HTTPHandler HTTPHandler
	Logger      *zap.Logger
	Tracer      trace.Tracer
	Propagator  propagation.TextMapPropagator
}

type slot[S any] struct {
	gen  uint32
	conn *Conn[S]
}

// Registry tracks live connections. Slot bookkeeping is guarded by an
// RWMutex because multicore transports run several event loops.
type Registry[S any] struct {
	cfg     Config
	handler Handler[S]
	logger  *zap.Logger

	mu    sync.RWMutex
	slots []slot[S]
	free  []uint32
	live  int
}

// New creates a registry dispatching to handler.
func New[S any](handler Handler[S], cfg Config) *Registry[S] {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("surge")
	}
	if cfg.Propagator == nil {
		cfg.Propagator = propagation.TraceContext{}
	}
	if cfg.HTTPHandler == nil {
		cfg.HTTPHandler = NotFound
	}
	return &Registry[S]{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
	}
}

// NotFound is the default HTTPHandler.
func NotFound(_ *h1.Request, res *h1.Response) {
	res.Text(404, "Not Found")
}

// Accept registers sock as a new connection in HTTP mode.
func (r *Registry[S]) Accept(sock Socket) (ID, error) {
	r.mu.Lock()
	if r.live >= r.cfg.MaxConnections {
		r.mu.Unlock()
		metrics.ConnectionsRejected.Inc()
		return 0, ErrResourceExhausted
	}
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot[S]{gen: 1})
	}
	s := &r.slots[idx]
	id := makeID(s.gen, idx)
	c := newConn(r, id, sock)
	s.conn = c
	r.live++
	r.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	if verboseLogging {
		r.logger.Debug("connection accepted", zap.Uint64("conn_id", uint64(id)), zap.String("remote", c.remote))
	}
	return id, nil
}

// Lookup returns the live connection for id, or nil.
func (r *Registry[S]) Lookup(id ID) *Conn[S] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

func (r *Registry[S]) lookupLocked(id ID) *Conn[S] {
	idx := id.slot()
	if int(idx) >= len(r.slots) {
		return nil
	}
	s := r.slots[idx]
	if s.gen != id.gen() {
		return nil
	}
	return s.conn
}

// OnReadable consumes every complete unit buffered on the connection, then
// flushes queued output. It reports whether the transport should close the
// socket. Unknown IDs are logged and reported as closable.
func (r *Registry[S]) OnReadable(id ID) bool {
	c := r.Lookup(id)
	if c == nil {
		r.logger.Debug("readable event for unknown connection", zap.Uint64("conn_id", uint64(id)))
		return true
	}
	if c.sock.InboundBuffered() > 0 {
		c.touch()
	}
	if !c.isClosing() {
		r.consume(c)
	}
	r.flush(c)
	return c.isClosing()
}

// consume runs the mode-appropriate consumer until no complete unit remains.
func (r *Registry[S]) consume(c *Conn[S]) {
	defer r.recoverConn(c, "consume")
	for !c.isClosing() {
		if c.Mode() == ModeWebSocket {
			if err := c.decoder.Decode(c.sock, &c.events); err != nil {
				r.fail(c, err)
			}
			return
		}
		if !r.serveHTTP(c) {
			return
		}
	}
}

// fail handles an error returned by the frame decoder.
func (r *Registry[S]) fail(c *Conn[S], err error) {
	switch {
	case errors.Is(err, errStopped):
	case errors.Is(err, wsframe.ErrCloseReceived):
		c.markClosing("close_frame")
	default:
		reason := violationReason(err)
		metrics.ProtocolViolations.WithLabelValues(reason).Inc()
		r.logger.Warn("protocol violation",
			zap.Uint64("conn_id", uint64(c.id)),
			zap.String("remote", c.remote),
			zap.String("reason", reason),
			zap.Error(err),
		)
		_ = c.enqueueFrame(wsframe.OpClose, wsframe.ClosePayload(wsframe.CloseCode(err), ""))
		c.markClosing("protocol_violation")
	}
}

func violationReason(err error) string {
	switch {
	case errors.Is(err, wsframe.ErrMessageTooBig):
		return "message_too_big"
	case errors.Is(err, wsframe.ErrInvalidUTF8):
		return "invalid_utf8"
	case errors.Is(err, wsframe.ErrProtocol):
		return "framing"
	default:
		return "internal"
	}
}

// flush hands every queued segment to the socket. Only the event loop calls it.
func (r *Registry[S]) flush(c *Conn[S]) {
	c.bufs, c.releases = c.outbox.Drain(c.bufs[:0], c.releases[:0])
	if len(c.bufs) > 0 {
		n, err := c.sock.Writev(c.bufs)
		metrics.BytesWritten.Add(float64(n))
		if err != nil {
			r.logger.Debug("write failed", zap.Uint64("conn_id", uint64(c.id)), zap.Error(err))
			c.markClosing("write_error")
		}
	}
	for _, release := range c.releases {
		release()
	}
	clear(c.bufs)
	clear(c.releases)
}

// OnClose tears the connection down after the transport closed its socket.
// err is nil for an orderly close.
func (r *Registry[S]) OnClose(id ID, err error) {
	r.mu.Lock()
	c := r.lookupLocked(id)
	if c == nil {
		r.mu.Unlock()
		return
	}
	s := &r.slots[id.slot()]
	s.conn = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r.free = append(r.free, id.slot())
	r.live--
	r.mu.Unlock()

	if err != nil {
		c.markClosing("socket_error")
		r.logger.Warn("connection error",
			zap.Uint64("conn_id", uint64(id)),
			zap.String("remote", c.remote),
			zap.Error(err),
		)
	} else {
		c.markClosing("eof")
		if verboseLogging {
			r.logger.Debug("connection closed", zap.Uint64("conn_id", uint64(id)), zap.String("remote", c.remote))
		}
	}
	c.outbox.Close()
	if c.decoder != nil {
		c.decoder.Reset()
	}

	if c.connected {
		r.guard(c, "OnDisconnect", func() { r.handler.OnDisconnect(c) })
	}
	metrics.ConnectionsActive.Dec()
	metrics.Disconnects.WithLabelValues(c.closeReason()).Inc()
}

// Send queues one frame on the connection identified by id.
func (r *Registry[S]) Send(id ID, op wsframe.Opcode, payload []byte) error {
	c := r.Lookup(id)
	if c == nil {
		return ErrConnClosed
	}
	return c.Send(op, payload)
}

// Disconnect closes the connection identified by id. Unknown IDs are ignored.
func (r *Registry[S]) Disconnect(id ID) {
	if c := r.Lookup(id); c != nil {
		c.Close()
	}
}

// Len returns the number of live connections.
func (r *Registry[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Range calls fn for a snapshot of the live connections until fn returns false.
func (r *Registry[S]) Range(fn func(c *Conn[S]) bool) {
	r.mu.RLock()
	conns := make([]*Conn[S], 0, r.live)
	for _, s := range r.slots {
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if !fn(c) {
			return
		}
	}
}

// Tick disconnects connections idle for longer than IdleTimeout and returns
// the delay until the next sweep.
func (r *Registry[S]) Tick(now time.Time) time.Duration {
	timeout := r.cfg.IdleTimeout
	if timeout <= 0 {
		return time.Second
	}
	deadline := now.Add(-timeout).UnixNano()
	r.Range(func(c *Conn[S]) bool {
		if c.lastActive.Load() < deadline && !c.isClosing() {
			if verboseLogging {
				r.logger.Debug("idle timeout", zap.Uint64("conn_id", uint64(c.id)))
			}
			c.closeWith(wsframe.CloseGoingAway, "idle timeout", "idle_timeout")
		}
		return true
	})
	return max(timeout/2, 10*time.Millisecond)
}

// Shutdown sends a going-away close frame to every WebSocket connection and
// disconnects all connections.
func (r *Registry[S]) Shutdown() {
	r.Range(func(c *Conn[S]) bool {
		c.closeWith(wsframe.CloseGoingAway, "server shutting down", "shutdown")
		return true
	})
}

// guard runs fn, converting a panic into a disconnect of c alone. It reports
// whether fn returned normally.
func (r *Registry[S]) guard(c *Conn[S], where string, fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panicked(c, where, rec)
			ok = false
		}
	}()
	fn()
	return true
}

func (r *Registry[S]) recoverConn(c *Conn[S], where string) {
	if rec := recover(); rec != nil {
		r.panicked(c, where, rec)
	}
}

func (r *Registry[S]) panicked(c *Conn[S], where string, rec any) {
	metrics.CallbackPanics.Inc()
	r.logger.Error("panic recovered",
		zap.Uint64("conn_id", uint64(c.id)),
		zap.String("remote", c.remote),
		zap.String("callback", where),
		zap.Any("panic", rec),
		zap.Stack("stack"),
	)
	c.closeWith(wsframe.CloseInternalError, "internal error", "panic")
}
