// Package handshake decides whether an HTTP request asks for a WebSocket
// upgrade and builds the 101 response that accepts it.
package handshake

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 for the accept key
	"encoding/base64"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// GUID is the fixed value appended to the client key (RFC 6455 section 1.3).
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Header is the case-insensitive header lookup the detector needs.
type Header interface {
	// Values returns every value of the named header, in arrival order.
	Values(name string) []string
}

// Result is the outcome of Detect. A zero Result means "not an upgrade"; the
// caller must still answer the request over plain HTTP.
type Result struct {
	Upgrade bool
	Key     string
	Accept  string
}

// Detect classifies a request. It accepts only when the method is GET, the
// Connection header carries the "upgrade" token, Upgrade equals "websocket",
// and Sec-WebSocket-Key is present.
func Detect(method string, h Header) Result {
	if method != "GET" {
		return Result{}
	}
	if !httpguts.HeaderValuesContainsToken(h.Values("Connection"), "upgrade") {
		return Result{}
	}
	if !upgradeIsWebSocket(h.Values("Upgrade")) {
		return Result{}
	}
	key := first(h.Values("Sec-WebSocket-Key"))
	if key == "" || !httpguts.ValidHeaderFieldValue(key) {
		return Result{}
	}
	return Result{Upgrade: true, Key: key, Accept: AcceptKey(key)}
}

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	h := sha1.New() //nolint:gosec // see import
	h.Write([]byte(key))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// AppendResponse appends the literal 101 response for accept to dst.
func AppendResponse(dst []byte, accept string) []byte {
	dst = append(dst, "HTTP/1.1 101 Switching Protocols\r\n"...)
	dst = append(dst, "Upgrade: websocket\r\n"...)
	dst = append(dst, "Connection: upgrade\r\n"...)
	dst = append(dst, "Sec-WebSocket-Accept: "...)
	dst = append(dst, accept...)
	return append(dst, "\r\n\r\n"...)
}

func upgradeIsWebSocket(values []string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), "websocket") {
			return true
		}
	}
	return false
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
