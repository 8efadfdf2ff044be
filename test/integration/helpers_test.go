package integration

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FumingPower3925/surge/pkg/surge"
)

var testPortCounter uint32

func getTestPort() string {
	// Use atomic counter to ensure unique ports across parallel tests
	port := 20000 + atomic.AddUint32(&testPortCounter, 1)
	return fmt.Sprintf(":%d", port)
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", "127.0.0.1"+addr, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("server %s not ready", addr)
}

// testConfig returns a single-loop configuration on a fresh port.
func testConfig() surge.Config {
	config := surge.DefaultConfig()
	config.Addr = getTestPort()
	config.Multicore = false
	config.NumEventLoop = 1
	return config
}

// startServer runs server in the background and stops it when the test ends.
func startServer[S any](t *testing.T, server *surge.Server[S]) string {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-server.Ready():
	case err := <-errCh:
		t.Fatalf("Server error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not become ready")
	}
	addr := server.Config().Addr
	if err := waitForServer(addr, 2*time.Second); err != nil {
		t.Fatalf("Server error: %v", err)
	}
	// The readiness check dials a connection of its own.
	waitFor(t, "readiness connection teardown", func() bool { return server.Clients() == 0 })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return addr
}

func dial(t *testing.T, addr, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://127.0.0.1"+addr+path, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// rawFrame builds a single masked client frame with an all-zero key.
func rawFrame(fin bool, op byte, payload []byte) []byte {
	b0 := op
	if fin {
		b0 |= 0x80
	}
	frame := []byte{b0}
	switch n := len(payload); {
	case n < 126:
		frame = append(frame, 0x80|byte(n))
	case n <= 0xFFFF:
		frame = append(frame, 0x80|126, byte(n>>8), byte(n))
	default:
		panic("rawFrame: payload too large")
	}
	frame = append(frame, 0, 0, 0, 0)
	return append(frame, payload...)
}

func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("Expected close %d, got %v", code, err)
		}
		return
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
