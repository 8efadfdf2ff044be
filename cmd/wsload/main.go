// Package main is an incremental load generator for WebSocket echo servers.
// Clients are added at a fixed interval; each one sends timestamped messages
// and measures the round trip until its echo arrives.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// LoadConfig defines the configuration for a load run
type LoadConfig struct {
	URL            string
	RampUpInterval time.Duration // Time between adding new clients
	ClientsPerStep int           // Number of clients added each step
	MaxClients     int           // Stop adding clients past this count (0 = no limit)
	TestDuration   time.Duration // Total test duration
	MessageSize    int           // Payload size of every message
	MessageDelay   time.Duration // Delay between messages per client
	HandshakeLimit time.Duration // Handshake timeout
	ReadTimeout    time.Duration // Time to wait for an echo
}

// LoadResult contains the results of a load run
type LoadResult struct {
	Duration         time.Duration
	Clients          int64
	FailedHandshakes int64
	Rejected503      int64
	Dropped          int64
	Sent             int64
	Received         int64
	Mismatched       int64
	MaxRate          float64
	ClientsAtMaxRate int64
	Latencies        []time.Duration
}

// LoadRunner manages the clients of a load run
type LoadRunner struct {
	config  LoadConfig
	dialer  *websocket.Dialer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	result  LoadResult
	clients atomic.Int64
	recv    atomic.Int64
}

// NewLoadRunner creates a new load runner
func NewLoadRunner(config LoadConfig) *LoadRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &LoadRunner{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  config.HandshakeLimit,
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: false,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run executes the load run and blocks until it completes
func (lr *LoadRunner) Run() *LoadResult {
	start := time.Now()
	deadline := time.AfterFunc(lr.config.TestDuration, lr.cancel)
	defer deadline.Stop()

	go lr.measure()

	ticker := time.NewTicker(lr.config.RampUpInterval)
	defer ticker.Stop()

ramp:
	for {
		select {
		case <-lr.ctx.Done():
			break ramp
		case <-ticker.C:
			for i := 0; i < lr.config.ClientsPerStep; i++ {
				if lr.config.MaxClients > 0 && lr.clients.Load() >= int64(lr.config.MaxClients) {
					continue
				}
				lr.clients.Add(1)
				lr.wg.Add(1)
				go lr.runClient()
			}
		}
	}

	lr.wg.Wait()

	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.result.Duration = time.Since(start)
	lr.result.Clients = lr.clients.Load()
	lr.result.Received = lr.recv.Load()
	return &lr.result
}

// measure samples the echo rate once per second
func (lr *LoadRunner) measure() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := time.Now()
	var lastRecv int64
	for {
		select {
		case <-lr.ctx.Done():
			return
		case now := <-ticker.C:
			recv := lr.recv.Load()
			rate := float64(recv-lastRecv) / now.Sub(last).Seconds()
			lr.mu.Lock()
			if rate > lr.result.MaxRate {
				lr.result.MaxRate = rate
				lr.result.ClientsAtMaxRate = lr.clients.Load()
			}
			lr.mu.Unlock()
			last, lastRecv = now, recv
		}
	}
}

// runClient dials one connection and runs its send/receive loop
func (lr *LoadRunner) runClient() {
	defer lr.wg.Done()

	conn, resp, err := lr.dialer.DialContext(lr.ctx, lr.config.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if lr.ctx.Err() != nil {
			return
		}
		lr.mu.Lock()
		lr.result.FailedHandshakes++
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			lr.result.Rejected503++
		}
		lr.mu.Unlock()
		return
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(lr.ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	payload := make([]byte, max(lr.config.MessageSize, 8))
	latencies := make([]time.Duration, 0, 1024)
	defer func() {
		lr.mu.Lock()
		lr.result.Latencies = append(lr.result.Latencies, latencies...)
		lr.mu.Unlock()
	}()

	for lr.ctx.Err() == nil {
		sent := time.Now()
		binary.BigEndian.PutUint64(payload, uint64(sent.UnixNano()))
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			lr.drop()
			return
		}
		lr.mu.Lock()
		lr.result.Sent++
		lr.mu.Unlock()

		_ = conn.SetReadDeadline(time.Now().Add(lr.config.ReadTimeout))
		_, echo, err := conn.ReadMessage()
		if err != nil {
			if lr.ctx.Err() == nil {
				lr.drop()
			}
			return
		}
		if len(echo) != len(payload) || binary.BigEndian.Uint64(echo) != uint64(sent.UnixNano()) {
			lr.mu.Lock()
			lr.result.Mismatched++
			lr.mu.Unlock()
		}
		lr.recv.Add(1)
		latencies = append(latencies, time.Since(sent))

		if lr.config.MessageDelay > 0 {
			select {
			case <-lr.ctx.Done():
			case <-time.After(lr.config.MessageDelay):
			}
		}
	}
}

func (lr *LoadRunner) drop() {
	lr.mu.Lock()
	lr.result.Dropped++
	lr.mu.Unlock()
}

// PrintResults prints the summarized results and reports whether the run passed
func PrintResults(r *LoadResult) bool {
	fmt.Printf("\n=== WebSocket Load Results ===\n")
	fmt.Printf("Duration: %v\n", r.Duration.Round(time.Millisecond))
	fmt.Printf("Clients: %d (failed handshakes %d, 503s %d)\n", r.Clients, r.FailedHandshakes, r.Rejected503)
	fmt.Printf("Max echo rate: %.0f msg/s (at %d clients)\n", r.MaxRate, r.ClientsAtMaxRate)
	fmt.Printf("Messages: %d sent, %d echoed, %d mismatched\n", r.Sent, r.Received, r.Mismatched)
	fmt.Printf("Dropped connections: %d\n", r.Dropped)

	if len(r.Latencies) > 0 {
		slices.Sort(r.Latencies)
		fmt.Printf("\n=== Round-trip Latency ===\n")
		for _, p := range []float64{50, 90, 99, 99.9} {
			fmt.Printf("  p%-5g %v\n", p, percentile(r.Latencies, p))
		}
		fmt.Printf("  max    %v\n", r.Latencies[len(r.Latencies)-1])
	}

	fmt.Printf("\n=== Validation ===\n")
	if r.Dropped > 0 || r.Mismatched > 0 {
		fmt.Printf("FAILED: %d connections dropped, %d corrupted echoes\n", r.Dropped, r.Mismatched)
		return false
	}
	if r.Rejected503 > 0 {
		fmt.Printf("WARNING: %d handshakes answered 503 (server at capacity)\n", r.Rejected503)
	}
	fmt.Printf("PASSED\n")
	return true
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

func main() {
	var (
		url            = flag.String("url", "ws://localhost:8080/", "WebSocket URL")
		rampUpInterval = flag.Duration("rampup", 25*time.Millisecond, "Time between adding new clients")
		clientsPerStep = flag.Int("clients", 1, "Number of clients to add each step")
		maxClients     = flag.Int("max-clients", 0, "Maximum number of clients (0 = unlimited)")
		testDuration   = flag.Duration("duration", 30*time.Second, "Test duration")
		messageSize    = flag.Int("size", 64, "Message payload size in bytes")
		messageDelay   = flag.Duration("delay", 2*time.Millisecond, "Delay between messages per client")
		timeout        = flag.Duration("timeout", 3*time.Second, "Handshake and echo timeout")
	)
	flag.Parse()

	if *clientsPerStep < 1 || *rampUpInterval <= 0 {
		log.Fatalf("Invalid ramp-up: %d clients every %v", *clientsPerStep, *rampUpInterval)
	}

	runner := NewLoadRunner(LoadConfig{
		URL:            *url,
		RampUpInterval: *rampUpInterval,
		ClientsPerStep: *clientsPerStep,
		MaxClients:     *maxClients,
		TestDuration:   *testDuration,
		MessageSize:    *messageSize,
		MessageDelay:   *messageDelay,
		HandshakeLimit: *timeout,
		ReadTimeout:    *timeout,
	})

	if !PrintResults(runner.Run()) {
		os.Exit(1)
	}
}
