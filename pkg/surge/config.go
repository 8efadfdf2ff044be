// Package surge provides an event-driven WebSocket server built on gnet.
package surge

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidConfig is wrapped by every Validate error.
var ErrInvalidConfig = errors.New("surge: invalid config")

// Config holds the server configuration options.
type Config struct {
	Addr           string        // Server address to bind to
	Multicore      bool          // Run one event loop per CPU
	NumEventLoop   int           // Number of event loops (0 for auto-detect)
	ReusePort      bool          // Enable SO_REUSEPORT for load balancing
	ReadBufferCap  int           // Per-connection inbound buffer (0 for gnet default)
	WriteBufferCap int           // Per-connection outbound buffer (0 for gnet default)
	TCPKeepAlive   time.Duration // TCP keep-alive period (0 disables)
	MaxConnections int           // Connection cap (0 derives it from RLIMIT_NOFILE)
	MaxHeaderBytes int           // Maximum HTTP request head size in bytes
	MaxBodyBytes   int64         // Maximum HTTP request body size in bytes
	MaxMessageSize int           // Maximum reassembled WebSocket message size (0 for 16 MB, -1 for no limit)
	ValidateUTF8   bool          // Reject text messages that are not valid UTF-8
	StrictRFC      bool          // Enforce RFC 6455 rules beyond basic framing (close 1002)
	IdleTimeout    time.Duration // Maximum idle time before connection close (0 disables)
	ServerName     string        // Server header on plain HTTP responses
	CompressHTTP   bool          // Brotli-compress plain HTTP responses when accepted
	Logger         *zap.Logger   // Logger for server events
	Tracing        TracingConfig // OpenTelemetry settings for handshakes and messages
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		Multicore:      true,
		NumEventLoop:   0, // Auto-detect
		ReusePort:      true,
		MaxConnections: 0, // Derived from RLIMIT_NOFILE
		MaxHeaderBytes: 1 << 20, // 1 MB
		MaxBodyBytes:   4 << 20,
		MaxMessageSize: 16 << 20,
		IdleTimeout:    60 * time.Second,
		ServerName:     "surge",
		Logger:         zap.NewNop(),
		Tracing:        DefaultTracingConfig(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.NumEventLoop < 0 {
		return fmt.Errorf("%w: NumEventLoop %d is negative", ErrInvalidConfig, c.NumEventLoop)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: MaxConnections %d is negative", ErrInvalidConfig, c.MaxConnections)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: IdleTimeout %v is negative", ErrInvalidConfig, c.IdleTimeout)
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 4 << 20
	}
	if c.MaxMessageSize < -1 {
		return fmt.Errorf("%w: MaxMessageSize %d (use -1 for no limit)", ErrInvalidConfig, c.MaxMessageSize)
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Tracing.normalize()
	return nil
}
