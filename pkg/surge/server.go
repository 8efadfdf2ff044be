package surge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/FumingPower3925/surge/internal/registry"
	"github.com/FumingPower3925/surge/internal/transport"
)

var (
	// ErrNoHandler is returned by Start when no Handler has been set.
	ErrNoHandler = errors.New("surge: handler not set")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("surge: server already started")
)

// Server accepts WebSocket clients whose per-connection state has type S.
type Server[S any] struct {
	config      Config
	handler     Handler[S]
	httpHandler HTTPHandler

	registry  atomic.Pointer[registry.Registry[S]]
	transport atomic.Pointer[transport.Server]
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new Server with the provided configuration.
func New[S any](config Config) *Server[S] {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	return &Server[S]{
		config: config,
		ready:  make(chan struct{}),
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults[S any]() *Server[S] {
	return New[S](DefaultConfig())
}

// Handler sets the connection handler and returns the server for method chaining.
func (s *Server[S]) Handler(handler Handler[S]) *Server[S] {
	s.handler = handler
	return s
}

// HTTPHandler sets the handler for requests that do not upgrade. The default
// answers 404 Not Found.
func (s *Server[S]) HTTPHandler(h HTTPHandler) *Server[S] {
	s.httpHandler = h
	return s
}

// Config returns the validated configuration.
func (s *Server[S]) Config() Config {
	return s.config
}

// ListenAndServe sets the handler and starts the server.
func (s *Server[S]) ListenAndServe(handler Handler[S]) error {
	s.handler = handler
	return s.Start()
}

// Start begins accepting connections. It blocks until Stop is called.
func (s *Server[S]) Start() error {
	if s.handler == nil {
		return ErrNoHandler
	}

	reg := registry.New[S](s.handler, registry.Config{
		MaxConnections: s.config.MaxConnections,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		MaxBodyBytes:   s.config.MaxBodyBytes,
		MaxMessageSize: s.config.MaxMessageSize,
		ValidateUTF8:   s.config.ValidateUTF8,
		StrictRFC:      s.config.StrictRFC,
		IdleTimeout:    s.config.IdleTimeout,
		ServerName:     s.config.ServerName,
		CompressHTTP:   s.config.CompressHTTP,
		TraceMessages:  s.config.Tracing.TraceMessages,
		HTTPHandler:    s.httpHandler,
		Logger:         s.config.Logger,
		Tracer:         s.config.Tracing.tracer(),
		Propagator:     s.config.Tracing.Propagator,
	})
	tr := transport.NewServer(reg, transport.Config{
		Addr:           s.config.Addr,
		Multicore:      s.config.Multicore,
		NumEventLoop:   s.config.NumEventLoop,
		ReusePort:      s.config.ReusePort,
		ReadBufferCap:  s.config.ReadBufferCap,
		WriteBufferCap: s.config.WriteBufferCap,
		TCPKeepAlive:   s.config.TCPKeepAlive,
		Ticker:         s.config.IdleTimeout > 0,
		OnBoot:         func() { s.readyOnce.Do(func() { close(s.ready) }) },
		Logger:         s.config.Logger,
	})
	if !s.transport.CompareAndSwap(nil, tr) {
		return ErrAlreadyStarted
	}
	s.registry.Store(reg)

	return tr.Start()
}

// Ready is closed once the server accepts connections.
func (s *Server[S]) Ready() <-chan struct{} {
	return s.ready
}

// Stop sends a going-away close frame to every client, waits for them to
// disconnect until ctx is done, and stops the event loops.
func (s *Server[S]) Stop(ctx context.Context) error {
	if tr := s.transport.Load(); tr != nil {
		return tr.Stop(ctx)
	}
	return nil
}

// Send queues one frame for the connection id. It is safe to call from any
// goroutine.
func (s *Server[S]) Send(id ConnID, op Opcode, payload []byte) error {
	reg := s.registry.Load()
	if reg == nil {
		return ErrConnClosed
	}
	return reg.Send(id, op, payload)
}

// Broadcast sends payload to every upgraded connection and returns how many
// accepted it. payload is shared between connections and must not be
// modified afterwards.
func (s *Server[S]) Broadcast(op Opcode, payload []byte) int {
	reg := s.registry.Load()
	if reg == nil {
		return 0
	}
	sent := 0
	reg.Range(func(c *Conn[S]) bool {
		if c.SendBuffer(op, payload, nil) == nil {
			sent++
		}
		return true
	})
	return sent
}

// Disconnect closes the connection id after flushing queued output.
func (s *Server[S]) Disconnect(id ConnID) {
	if reg := s.registry.Load(); reg != nil {
		reg.Disconnect(id)
	}
}

// Clients returns the number of live connections.
func (s *Server[S]) Clients() int {
	reg := s.registry.Load()
	if reg == nil {
		return 0
	}
	return reg.Len()
}
