// Package main runs a WebSocket echo server. Every message is sent back with
// its opcode; Prometheus metrics are served on a side address.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FumingPower3925/surge/pkg/surge"
)

func main() {
	addr := flag.String("addr", envOr("ECHO_ADDR", ":8080"), "WebSocket listen address")
	metricsAddr := flag.String("metrics", envOr("ECHO_METRICS_ADDR", ":9090"), "Prometheus listen address (empty disables)")
	debug := flag.Bool("debug", os.Getenv("ECHO_DEBUG") == "1", "enable debug logging")
	strict := flag.Bool("strict", os.Getenv("ECHO_STRICT") == "1", "enforce strict RFC 6455 framing and UTF-8 checks")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	config := surge.DefaultConfig()
	config.Addr = *addr
	config.Logger = logger
	config.CompressHTTP = true
	config.StrictRFC = *strict
	config.ValidateUTF8 = *strict

	server := surge.New[struct{}](config).
		Handler(surge.HandlerFuncs[struct{}]{
			Connect: func(c *surge.Conn[struct{}]) {
				logger.Debug("client connected", zap.String("remote", c.RemoteAddr()), zap.String("path", c.Path()))
			},
			Message: func(c *surge.Conn[struct{}], op surge.Opcode, payload []byte) {
				_ = c.Send(op, payload)
			},
			Disconnect: func(c *surge.Conn[struct{}]) {
				logger.Debug("client disconnected", zap.String("remote", c.RemoteAddr()))
			},
		}).
		HTTPHandler(surge.Chain(surge.NotFound,
			surge.AccessLog(logger, "/health"),
			surge.RequestID(),
			surge.Health("/health"),
		))

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", surge.MetricsHandler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
