package integration

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FumingPower3925/surge/pkg/surge"
)

// TestEcho verifies text and binary messages come back with their opcode.
func TestEcho(t *testing.T) {
	server := surge.New[struct{}](testConfig()).Handler(surge.Echo[struct{}]())
	addr := startServer(t, server)
	conn := dial(t, addr, "/")

	tests := []struct {
		name    string
		msgType int
		payload []byte
	}{
		{"Text", websocket.TextMessage, []byte("hello")},
		{"Binary", websocket.BinaryMessage, []byte{0, 1, 2, 0xff}},
		{"Empty", websocket.TextMessage, []byte{}},
		{"Medium", websocket.BinaryMessage, bytes.Repeat([]byte{7}, 300)},
		{"Large", websocket.BinaryMessage, bytes.Repeat([]byte{9}, 70000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(tt.msgType, tt.payload); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			msgType, got, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if msgType != tt.msgType {
				t.Errorf("Expected message type %d, got %d", tt.msgType, msgType)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("Echo mismatch: got %d bytes, want %d", len(got), len(tt.payload))
			}
		})
	}
}

// TestFragmentedMessage sends a message gorilla splits into many frames.
func TestFragmentedMessage(t *testing.T) {
	server := surge.New[struct{}](testConfig()).Handler(surge.Echo[struct{}]())
	addr := startServer(t, server)

	dialer := websocket.Dialer{WriteBufferSize: 256}
	conn, _, err := dialer.Dial("ws://127.0.0.1"+addr+"/", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	want := strings.Repeat("fragment ", 1000)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(want)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != want {
		t.Errorf("Reassembled message mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

// TestPingBetweenFragments interleaves a ping inside a fragmented message.
func TestPingBetweenFragments(t *testing.T) {
	server := surge.New[struct{}](testConfig()).Handler(surge.Echo[struct{}]())
	addr := startServer(t, server)
	conn := dial(t, addr, "/")

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})

	raw := conn.UnderlyingConn()
	var stream []byte
	stream = append(stream, rawFrame(false, 0x1, []byte("Hel"))...)
	stream = append(stream, rawFrame(true, 0x9, []byte("mid"))...)
	stream = append(stream, rawFrame(true, 0x0, []byte("lo"))...)
	if _, err := raw.Write(stream); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "Hello" {
		t.Errorf("Expected Hello, got %q", got)
	}
	select {
	case data := <-pong:
		if data != "mid" {
			t.Errorf("Expected pong payload mid, got %q", data)
		}
	default:
		t.Error("Expected pong before the echoed message")
	}
}

// TestCloseHandshake verifies the server echoes the client's close frame.
func TestCloseHandshake(t *testing.T) {
	disconnected := make(chan struct{})
	server := surge.New[struct{}](testConfig()).Handler(surge.HandlerFuncs[struct{}]{
		Disconnect: func(*surge.Conn[struct{}]) { close(disconnected) },
	})
	addr := startServer(t, server)
	conn := dial(t, addr, "/")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl failed: %v", err)
	}
	expectCloseCode(t, conn, websocket.CloseNormalClosure)

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	waitFor(t, "registry to empty", func() bool { return server.Clients() == 0 })
}

// TestProtocolViolations verifies each violation closes with its status code
// when strict RFC checks are on.
func TestProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		code  int
	}{
		{"ReservedOpcode", rawFrame(true, 0x3, nil), websocket.CloseProtocolError},
		{"FragmentedControl", rawFrame(false, 0x9, nil), websocket.CloseProtocolError},
		{"UnexpectedContinuation", rawFrame(true, 0x0, []byte("x")), websocket.CloseProtocolError},
		{"InvalidUTF8", rawFrame(true, 0x1, []byte{0xff, 0xfe}), websocket.CloseInvalidFramePayloadData},
		{"TooBig", rawFrame(true, 0x2, make([]byte, 2048)), websocket.CloseMessageTooBig},
	}

	config := testConfig()
	config.MaxMessageSize = 1024
	config.ValidateUTF8 = true
	config.StrictRFC = true
	server := surge.New[struct{}](config).Handler(surge.Echo[struct{}]())
	addr := startServer(t, server)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, addr, "/")
			if _, err := conn.UnderlyingConn().Write(tt.frame); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			expectCloseCode(t, conn, tt.code)
		})
	}
}

// TestLenientFraming verifies the default config answers a long ping and
// delivers reserved data opcodes instead of closing.
func TestLenientFraming(t *testing.T) {
	server := surge.New[struct{}](testConfig()).Handler(surge.Echo[struct{}]())
	addr := startServer(t, server)
	conn := dial(t, addr, "/")
	raw := conn.UnderlyingConn()
	_ = raw.SetReadDeadline(time.Now().Add(3 * time.Second))

	ping := bytes.Repeat([]byte{'p'}, 126)
	want := append([]byte{0x8A, 0x7E, 0x00, 0x7E}, ping...)
	if _, err := raw.Write(rawFrame(true, 0x9, ping)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(raw, got); err != nil {
		t.Fatalf("Read pong failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected pong % x, got % x", want[:4], got[:4])
	}

	if _, err := raw.Write(rawFrame(true, 0x3, []byte("hi"))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	echo := make([]byte, 4)
	if _, err := io.ReadFull(raw, echo); err != nil {
		t.Fatalf("Read echo failed: %v", err)
	}
	if string(echo) != "\x83\x02hi" {
		t.Errorf("Expected echoed opcode 0x3 frame, got %q", echo)
	}
}

// TestConnState verifies path, headers and typed state reach the handler.
func TestConnState(t *testing.T) {
	type session struct {
		user     string
		messages int
	}

	server := surge.New[session](testConfig()).Handler(surge.HandlerFuncs[session]{
		Connect: func(c *surge.Conn[session]) {
			c.State.user = c.Header("X-User")
			_ = c.SendText(c.Path())
		},
		Message: func(c *surge.Conn[session], _ surge.Opcode, _ []byte) {
			c.State.messages++
			_ = c.SendText(strings.Repeat(c.State.user, c.State.messages))
		},
	})
	addr := startServer(t, server)

	header := map[string][]string{"X-User": {"ab"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1"+addr+"/room?id=7", header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	if _, got, err := conn.ReadMessage(); err != nil || string(got) != "/room?id=7" {
		t.Fatalf("Expected path /room?id=7, got %q (%v)", got, err)
	}
	for _, want := range []string{"ab", "abab", "ababab"} {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("x"))
		if _, got, err := conn.ReadMessage(); err != nil || string(got) != want {
			t.Fatalf("Expected %q, got %q (%v)", want, got, err)
		}
	}
}

// TestServerSendFromGoroutine pushes frames by connection ID off the loop.
func TestServerSendFromGoroutine(t *testing.T) {
	ids := make(chan surge.ConnID, 1)
	server := surge.New[struct{}](testConfig()).Handler(surge.HandlerFuncs[struct{}]{
		Connect: func(c *surge.Conn[struct{}]) { ids <- c.ID() },
	})
	addr := startServer(t, server)
	conn := dial(t, addr, "/")
	id := <-ids

	const senders, perSender = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := server.Send(id, surge.OpText, []byte("push")); err != nil {
					t.Errorf("Send failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < senders*perSender; i++ {
		_, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if string(got) != "push" {
			t.Fatalf("Expected push, got %q", got)
		}
	}
}

// TestBroadcast verifies every upgraded client receives a broadcast.
func TestBroadcast(t *testing.T) {
	server := surge.New[struct{}](testConfig()).Handler(surge.Echo[struct{}]())
	addr := startServer(t, server)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, addr, "/")
	}
	waitFor(t, "clients", func() bool { return server.Clients() == len(conns) })

	if n := server.Broadcast(surge.OpText, []byte("news")); n != len(conns) {
		t.Errorf("Expected %d recipients, got %d", len(conns), n)
	}
	for i, conn := range conns {
		_, got, err := conn.ReadMessage()
		if err != nil || string(got) != "news" {
			t.Errorf("client %d: got %q (%v)", i, got, err)
		}
	}
}

// TestServerDisconnect closes a client by ID.
func TestServerDisconnect(t *testing.T) {
	ids := make(chan surge.ConnID, 1)
	server := surge.New[struct{}](testConfig()).Handler(surge.HandlerFuncs[struct{}]{
		Connect: func(c *surge.Conn[struct{}]) { ids <- c.ID() },
	})
	addr := startServer(t, server)
	conn := dial(t, addr, "/")

	id := <-ids
	server.Disconnect(id)

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("Expected read error after Disconnect")
	}
	waitFor(t, "registry to empty", func() bool { return server.Clients() == 0 })
	if err := server.Send(id, surge.OpText, []byte("late")); err == nil {
		t.Error("Expected Send to a disconnected ID to fail")
	}
}

// TestIdleTimeout verifies silent clients are closed with 1001.
func TestIdleTimeout(t *testing.T) {
	config := testConfig()
	config.IdleTimeout = 100 * time.Millisecond
	server := surge.New[struct{}](config).Handler(surge.Echo[struct{}]())
	addr := startServer(t, server)
	conn := dial(t, addr, "/")

	expectCloseCode(t, conn, websocket.CloseGoingAway)
}

// TestHandlerPanicIsolated verifies a panicking callback only drops its own
// connection.
func TestHandlerPanicIsolated(t *testing.T) {
	server := surge.New[struct{}](testConfig()).Handler(surge.HandlerFuncs[struct{}]{
		Message: func(c *surge.Conn[struct{}], op surge.Opcode, payload []byte) {
			if string(payload) == "boom" {
				panic("boom")
			}
			_ = c.Send(op, payload)
		},
	})
	addr := startServer(t, server)

	victim := dial(t, addr, "/")
	bystander := dial(t, addr, "/")

	_ = victim.WriteMessage(websocket.TextMessage, []byte("boom"))
	expectCloseCode(t, victim, websocket.CloseInternalServerErr)

	_ = bystander.WriteMessage(websocket.TextMessage, []byte("still here"))
	if _, got, err := bystander.ReadMessage(); err != nil || string(got) != "still here" {
		t.Errorf("Expected bystander echo, got %q (%v)", got, err)
	}
}
