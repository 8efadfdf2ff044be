// Package transport runs the gnet event loops and forwards readiness events to
// a Dispatcher keyed by the ID stored in each connection's context.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/FumingPower3925/surge/internal/date"
	"github.com/FumingPower3925/surge/internal/registry"
)

// verboseLogging controls hot-path logging; keep false for performance runs.
const verboseLogging = false

// busyResponse is written to sockets accepted while the registry is full.
const busyResponse = "HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Length: 19\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Service Unavailable"

// Dispatcher is the connection registry as seen by the event loops.
type Dispatcher interface {
	Accept(sock registry.Socket) (registry.ID, error)
	OnReadable(id registry.ID) bool
	OnClose(id registry.ID, err error)
	Tick(now time.Time) time.Duration
	Shutdown()
	Len() int
}

// Config holds transport configuration.
type Config struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	ReadBufferCap  int
	WriteBufferCap int
	TCPKeepAlive   time.Duration
	// Ticker enables OnTick, which drives Dispatcher.Tick.
	Ticker bool
	// OnBoot runs once the listener is accepting connections.
	OnBoot func()
	Logger *zap.Logger
}

// Server implements gnet.EventHandler.
type Server struct {
	gnet.BuiltinEventEngine
	dispatcher Dispatcher
	cfg        Config
	logger     *zap.Logger

	mu       sync.Mutex
	engine   gnet.Engine
	booted   bool
	stopping bool
	stopDate func()
}

// NewServer creates a transport for d.
func NewServer(d Dispatcher, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		dispatcher: d,
		cfg:        cfg,
		logger:     cfg.Logger,
	}
}

// Start runs the event loops. It blocks until the engine stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLoadBalancing(gnet.RoundRobin),
		gnet.WithTicker(s.cfg.Ticker),
		gnet.WithLogger(s.logger.Sugar()),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	if s.cfg.ReadBufferCap > 0 {
		options = append(options, gnet.WithReadBufferCap(s.cfg.ReadBufferCap))
	}
	if s.cfg.WriteBufferCap > 0 {
		options = append(options, gnet.WithWriteBufferCap(s.cfg.WriteBufferCap))
	}
	if s.cfg.TCPKeepAlive > 0 {
		options = append(options, gnet.WithTCPKeepAlive(s.cfg.TCPKeepAlive))
	}

	s.logger.Info("starting websocket server", zap.String("addr", s.cfg.Addr))
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Stop sends going-away close frames, waits for connections to drain until
// ctx expires, then stops the engine.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.booted || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	eng := s.engine
	s.mu.Unlock()

	s.logger.Info("initiating graceful shutdown", zap.Int("connections", s.dispatcher.Len()))
	s.dispatcher.Shutdown()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for s.dispatcher.Len() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warn("shutdown deadline reached", zap.Int("connections", s.dispatcher.Len()))
			break drain
		case <-ticker.C:
		}
	}

	// The caller's context may already be done; give the engine its own.
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		s.logger.Warn("error stopping gnet engine", zap.Error(err))
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.mu.Lock()
	s.engine = eng
	s.booted = true
	s.stopDate = date.Start()
	s.mu.Unlock()
	if s.cfg.OnBoot != nil {
		s.cfg.OnBoot()
	}
	s.logger.Info("websocket server is listening",
		zap.String("addr", s.cfg.Addr),
		zap.Bool("multicore", s.cfg.Multicore),
	)
	return gnet.None
}

// OnShutdown is called once the event loops have stopped.
func (s *Server) OnShutdown(gnet.Engine) {
	s.mu.Lock()
	if s.stopDate != nil {
		s.stopDate()
		s.stopDate = nil
	}
	s.mu.Unlock()
	s.logger.Debug("event loops stopped")
}

// OnOpen registers the connection, or answers 503 when the registry is full.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	id, err := s.dispatcher.Accept(c)
	if err != nil {
		s.logger.Warn("rejecting connection", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
		return []byte(busyResponse), gnet.Close
	}
	c.SetContext(id)
	if verboseLogging {
		s.logger.Debug("new connection", zap.Stringer("remote", c.RemoteAddr()), zap.Uint64("conn_id", uint64(id)))
	}
	return nil, gnet.None
}

// OnTraffic runs for inbound data and for every Wake.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	id, ok := c.Context().(registry.ID)
	if !ok {
		return gnet.Close
	}
	if s.dispatcher.OnReadable(id) {
		return gnet.Close
	}
	return gnet.None
}

// OnClose tears down the registry entry. A clean EOF is reported as nil.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	id, ok := c.Context().(registry.ID)
	if !ok {
		return gnet.None
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	s.dispatcher.OnClose(id, err)
	return gnet.None
}

// OnTick drives the idle sweep.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	return s.dispatcher.Tick(time.Now()), gnet.None
}
