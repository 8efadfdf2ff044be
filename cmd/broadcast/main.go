// Package main runs a chat server: every text message is relayed to all
// connected clients, prefixed with the sender's nickname.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FumingPower3925/surge/pkg/surge"
)

// client is the per-connection state.
type client struct {
	nick string
}

type chat struct {
	server *surge.Server[client]
	logger *zap.Logger
}

func (ch *chat) OnConnect(c *surge.Conn[client]) {
	c.State.nick = nickFromPath(c.Path())
	if c.State.nick == "" {
		c.State.nick = fmt.Sprintf("guest-%d", uint32(c.ID()))
	}
	ch.announce(c.State.nick + " joined")
}

func (ch *chat) OnMessage(c *surge.Conn[client], op surge.Opcode, payload []byte) {
	if op != surge.OpText {
		c.CloseWithStatus(surge.CloseInvalidPayload, "text only")
		return
	}
	msg := strings.TrimSpace(string(payload))
	if name, ok := strings.CutPrefix(msg, "/nick "); ok {
		old := c.State.nick
		c.State.nick = strings.TrimSpace(name)
		ch.announce(old + " is now " + c.State.nick)
		return
	}
	if msg == "/quit" {
		c.CloseWithStatus(surge.CloseNormal, "bye")
		return
	}
	ch.server.Broadcast(surge.OpText, []byte(c.State.nick+": "+msg))
}

func (ch *chat) OnDisconnect(c *surge.Conn[client]) {
	ch.announce(c.State.nick + " left")
}

func (ch *chat) announce(text string) {
	n := ch.server.Broadcast(surge.OpText, []byte("* "+text))
	ch.logger.Info(text, zap.Int("recipients", n))
}

func nickFromPath(path string) string {
	u, err := url.ParseRequestURI(path)
	if err != nil {
		return ""
	}
	return u.Query().Get("nick")
}

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	idle := flag.Duration("idle", 5*time.Minute, "idle timeout")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	config := surge.DefaultConfig()
	config.Addr = *addr
	config.IdleTimeout = *idle
	config.Logger = logger

	server := surge.New[client](config)
	server.Handler(&chat{server: server, logger: logger})

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Stop(ctx)
}
