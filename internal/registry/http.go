package registry

import (
	"context"
	"errors"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/FumingPower3925/surge/internal/h1"
	"github.com/FumingPower3925/surge/internal/handshake"
	"github.com/FumingPower3925/surge/internal/metrics"
	"github.com/FumingPower3925/surge/internal/wsframe"
)

// serveHTTP handles one buffered request. It reports whether a request was
// consumed, so the caller can look for a pipelined one or, after an upgrade,
// start decoding frames.
func (r *Registry[S]) serveHTTP(c *Conn[S]) bool {
	n := c.sock.InboundBuffered()
	if n == 0 {
		return false
	}
	buf, err := c.sock.Peek(n)
	if err != nil {
		return false
	}

	c.parser.Reset(buf)
	c.req.Reset()
	head, err := c.parser.ParseRequest(&c.req)
	if err != nil {
		r.rejectHTTP(c, err)
		return false
	}
	if head == 0 {
		return false
	}
	c.req.RemoteAddr = c.remote

	if res := handshake.Detect(c.req.Method, &c.req); res.Upgrade {
		if _, err := c.sock.Discard(head); err != nil {
			c.markClosing("read_error")
			return false
		}
		r.upgrade(c, res)
		return true
	}

	bodyLen, complete, err := c.parser.ParseBody(&c.req)
	if err != nil {
		r.rejectHTTP(c, err)
		return false
	}
	if !complete {
		return false
	}
	if _, err := c.sock.Discard(head + bodyLen); err != nil {
		c.markClosing("read_error")
		return false
	}
	r.respond(c)
	return true
}

// upgrade queues the 101 response and switches the connection to WebSocket
// framing. Bytes after the request head stay buffered for the decoder.
func (r *Registry[S]) upgrade(c *Conn[S], res handshake.Result) {
	ctx := r.cfg.Propagator.Extract(context.Background(), requestCarrier{&c.req})
	ctx, span := r.cfg.Tracer.Start(ctx, "websocket.upgrade",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", c.req.Method),
			attribute.String("http.target", c.req.Path),
			attribute.String("http.host", c.req.Host),
			attribute.String("net.peer.addr", c.remote),
			attribute.Int64("surge.conn_id", int64(c.id)),
		),
	)
	defer span.End()

	c.queueRaw(handshake.AppendResponse(nil, res.Accept))
	c.decoder = wsframe.NewDecoder(r.cfg.MaxMessageSize, r.cfg.ValidateUTF8)
	c.decoder.Strict = r.cfg.StrictRFC
	c.path = c.req.Path
	c.header = append(c.header[:0], c.req.Headers...)
	c.traceCtx = ctx
	c.mode.Store(uint32(ModeWebSocket))
	c.connected = true
	metrics.Upgrades.Inc()

	if verboseLogging {
		r.logger.Debug("websocket upgrade", zap.Uint64("conn_id", uint64(c.id)), zap.String("path", c.path))
	}
	if !r.guard(c, "OnConnect", func() { r.handler.OnConnect(c) }) {
		span.SetStatus(codes.Error, "OnConnect panicked")
		return
	}
	span.SetStatus(codes.Ok, "")
}

// respond runs the HTTP handler and queues its response.
func (r *Registry[S]) respond(c *Conn[S]) {
	var res h1.Response
	if !r.guard(c, "HTTPHandler", func() { r.cfg.HTTPHandler(&c.req, &res) }) {
		res = h1.Response{}
		res.Error(500)
	}
	r.writeResponse(c, &res)
}

// rejectHTTP answers a request that could not be parsed and closes.
func (r *Registry[S]) rejectHTTP(c *Conn[S], err error) {
	status, reason := 400, "malformed_request"
	switch {
	case errors.Is(err, h1.ErrHeaderTooLarge):
		status, reason = 431, "header_too_large"
	case errors.Is(err, h1.ErrBodyTooLarge):
		status, reason = 413, "body_too_large"
	}
	metrics.ProtocolViolations.WithLabelValues(reason).Inc()
	r.logger.Warn("rejected http request",
		zap.Uint64("conn_id", uint64(c.id)),
		zap.String("remote", c.remote),
		zap.Int("status", status),
		zap.Error(err),
	)
	var res h1.Response
	res.Error(status)
	r.writeResponse(c, &res)
}

func (r *Registry[S]) writeResponse(c *Conn[S], res *h1.Response) {
	keepAlive := c.req.KeepAlive && !res.Close
	out := res.AppendTo(nil, h1.WriteOptions{
		ServerName:     r.cfg.ServerName,
		KeepAlive:      keepAlive,
		AcceptEncoding: c.req.Get("accept-encoding"),
		Compress:       r.cfg.CompressHTTP,
	})
	c.queueRaw(out)

	status := res.Status
	if status == 0 {
		status = 200
	}
	metrics.HTTPRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	if !keepAlive {
		c.markClosing("http_close")
	}
}

// requestCarrier exposes request headers to an OpenTelemetry propagator.
type requestCarrier struct {
	req *h1.Request
}

func (rc requestCarrier) Get(key string) string {
	return rc.req.Get(key)
}

func (rc requestCarrier) Set(key, value string) {
	rc.req.Headers = append(rc.req.Headers, [2]string{key, value})
}

func (rc requestCarrier) Keys() []string {
	keys := make([]string, 0, len(rc.req.Headers))
	for _, h := range rc.req.Headers {
		keys = append(keys, h[0])
	}
	return keys
}
