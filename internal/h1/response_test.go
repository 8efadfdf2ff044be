package h1

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
)

func readResponse(t *testing.T, raw []byte) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("response does not parse: %v\n%s", err, raw)
	}
	return resp
}

func TestResponse_AppendTo(t *testing.T) {
	var r Response
	r.Text(404, "Not Found")
	r.SetHeader("X-Trace", "abc")

	raw := r.AppendTo(nil, WriteOptions{ServerName: "surge", KeepAlive: true})
	if !bytes.HasPrefix(raw, []byte("HTTP/1.1 404 Not Found\r\n")) {
		t.Fatalf("status line = %q", raw[:bytes.IndexByte(raw, '\n')+1])
	}

	resp := readResponse(t, raw)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Not Found" {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("Server") != "surge" {
		t.Errorf("Server = %q", resp.Header.Get("Server"))
	}
	if resp.Header.Get("X-Trace") != "abc" {
		t.Errorf("X-Trace = %q", resp.Header.Get("X-Trace"))
	}
	if resp.Header.Get("Date") == "" {
		t.Error("Date header missing")
	}
	if resp.Close {
		t.Error("keep-alive response marked close")
	}
}

func TestResponse_ErrorCloses(t *testing.T) {
	var r Response
	r.Error(400)
	raw := r.AppendTo(nil, WriteOptions{KeepAlive: true})
	resp := readResponse(t, raw)
	defer resp.Body.Close()
	if !resp.Close {
		t.Error("Error() response should carry Connection: close")
	}
	if resp.StatusCode != 400 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestResponse_BrotliCompression(t *testing.T) {
	payload := strings.Repeat("surge compresses fallback bodies. ", 100)

	var r Response
	r.Text(200, payload)
	raw := r.AppendTo(nil, WriteOptions{
		Compress:       true,
		AcceptEncoding: "gzip, deflate, br",
	})
	resp := readResponse(t, raw)
	defer resp.Body.Close()

	if resp.Header.Get("Content-Encoding") != "br" {
		t.Fatalf("Content-Encoding = %q, want br", resp.Header.Get("Content-Encoding"))
	}
	decoded, err := io.ReadAll(brotli.NewReader(resp.Body))
	if err != nil {
		t.Fatalf("brotli decode: %v", err)
	}
	if string(decoded) != payload {
		t.Error("decompressed body differs")
	}
}

func TestResponse_NoCompressionWhenSmallOrUnaccepted(t *testing.T) {
	var small Response
	small.Text(200, "tiny")
	raw := small.AppendTo(nil, WriteOptions{Compress: true, AcceptEncoding: "br"})
	if bytes.Contains(raw, []byte("Content-Encoding")) {
		t.Error("small body was compressed")
	}

	var big Response
	big.Text(200, strings.Repeat("x", 4096))
	raw = big.AppendTo(nil, WriteOptions{Compress: true, AcceptEncoding: "gzip"})
	if bytes.Contains(raw, []byte("Content-Encoding")) {
		t.Error("body compressed for a client that does not accept br")
	}
}

func TestStatusText(t *testing.T) {
	if StatusText(431) != "Request Header Fields Too Large" {
		t.Errorf("StatusText(431) = %q", StatusText(431))
	}
	if StatusText(799) != "Unknown" {
		t.Errorf("StatusText(799) = %q", StatusText(799))
	}
}
