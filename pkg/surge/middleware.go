package surge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FumingPower3925/surge/internal/registry"
)

// HTTPMiddleware wraps an HTTPHandler.
type HTTPMiddleware func(next HTTPHandler) HTTPHandler

// Chain applies middlewares to h. The first middleware is the outermost.
func Chain(h HTTPHandler, middlewares ...HTTPMiddleware) HTTPHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// NotFound answers every request with 404. It is the default HTTPHandler.
func NotFound(req *HTTPRequest, res *HTTPResponse) {
	registry.NotFound(req, res)
}

// AccessLog returns a middleware that logs each fallback request at info
// level. Requests for skipPaths are not logged.
func AccessLog(logger *zap.Logger, skipPaths ...string) HTTPMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next HTTPHandler) HTTPHandler {
		return func(req *HTTPRequest, res *HTTPResponse) {
			if skip[req.Path] {
				next(req, res)
				return
			}
			start := time.Now()
			next(req, res)

			status := res.Status
			if status == 0 {
				status = 200
			}
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", req.RemoteAddr),
			}
			if id := res.GetHeader("X-Request-ID"); id != "" {
				fields = append(fields, zap.String("request_id", id))
			}
			logger.Info("http request", fields...)
		}
	}
}

// RequestID returns a middleware that propagates X-Request-ID, generating a
// UUID when the client sent none. Downstream handlers see the ID as a
// request header.
func RequestID() HTTPMiddleware {
	return func(next HTTPHandler) HTTPHandler {
		return func(req *HTTPRequest, res *HTTPResponse) {
			id := req.Get("x-request-id")
			if id == "" {
				id = uuid.NewString()
				req.Headers = append(req.Headers, [2]string{"x-request-id", id})
			}
			res.SetHeader("X-Request-ID", id)
			next(req, res)
		}
	}
}

var startTime = time.Now()

// Health returns a middleware that answers path with a JSON status document
// and passes every other request through.
func Health(path string) HTTPMiddleware {
	if path == "" {
		path = "/health"
	}
	return func(next HTTPHandler) HTTPHandler {
		return func(req *HTTPRequest, res *HTTPResponse) {
			if req.Path != path {
				next(req, res)
				return
			}
			body, _ := json.Marshal(map[string]string{
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"uptime":    time.Since(startTime).Round(time.Second).String(),
			})
			res.Send(200, "application/json", body)
		}
	}
}
