package h1

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/FumingPower3925/surge/internal/date"
)

// statusText is the reason phrase table. It is never written after init.
var statusText = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	426: "Upgrade Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for code.
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "Unknown"
}

// Response is a complete HTTP/1.1 response to a request that did not upgrade.
type Response struct {
	Status int
	// Header holds extra (name, value) pairs. Content-Length, Connection,
	// Server and Date are always generated.
	Header [][2]string
	Body   []byte
	// Close forces the connection to close after the response.
	Close bool
}

// SetHeader replaces or adds a header.
func (r *Response) SetHeader(name, value string) {
	for i := range r.Header {
		if strings.EqualFold(r.Header[i][0], name) {
			r.Header[i][1] = value
			return
		}
	}
	r.Header = append(r.Header, [2]string{name, value})
}

// GetHeader returns the value of an extra header.
func (r *Response) GetHeader(name string) string {
	for _, h := range r.Header {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Send sets status, content type and body in one call.
func (r *Response) Send(status int, contentType string, body []byte) {
	r.Status = status
	if contentType != "" {
		r.SetHeader("Content-Type", contentType)
	}
	r.Body = body
}

// Text sends a plain-text body.
func (r *Response) Text(status int, body string) {
	r.Send(status, "text/plain; charset=utf-8", []byte(body))
}

// Error sends the status reason phrase as the body and closes the connection.
func (r *Response) Error(status int) {
	r.Text(status, StatusText(status))
	r.Close = true
}

// WriteOptions control serialisation.
type WriteOptions struct {
	ServerName string
	KeepAlive  bool
	// AcceptEncoding is the request's Accept-Encoding, used when Compress is set.
	AcceptEncoding  string
	Compress        bool
	CompressLevel   int
	CompressMinSize int
}

// AppendTo serialises the response onto dst.
func (r *Response) AppendTo(dst []byte, opts WriteOptions) []byte {
	status := r.Status
	if status == 0 {
		status = 200
	}
	body := r.Body
	if opts.Compress && r.GetHeader("Content-Encoding") == "" && containsFold(opts.AcceptEncoding, "br") {
		if compressed, ok := compress(body, opts.CompressLevel, opts.CompressMinSize); ok {
			body = compressed
			r.SetHeader("Content-Encoding", "br")
			r.SetHeader("Vary", "Accept-Encoding")
		}
	}

	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(status)...)
	dst = append(dst, crlf...)

	if opts.ServerName != "" {
		dst = appendHeaderLine(dst, "Server", opts.ServerName)
	}
	dst = appendHeaderLine(dst, "Date", string(date.Current()))
	for _, h := range r.Header {
		if strings.EqualFold(h[0], "Content-Length") || strings.EqualFold(h[0], "Connection") {
			continue
		}
		dst = appendHeaderLine(dst, h[0], h[1])
	}
	dst = append(dst, "Content-Length: "...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, crlf...)
	if opts.KeepAlive && !r.Close {
		dst = appendHeaderLine(dst, "Connection", "keep-alive")
	} else {
		dst = appendHeaderLine(dst, "Connection", "close")
	}
	dst = append(dst, crlf...)
	return append(dst, body...)
}

func appendHeaderLine(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, crlf...)
}

// compress brotli-encodes body when it is large enough and the result is
// actually smaller.
func compress(body []byte, level, minSize int) ([]byte, bool) {
	if minSize <= 0 {
		minSize = 1024
	}
	if len(body) < minSize {
		return nil, false
	}
	if level <= 0 {
		level = 6
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, level)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() == 0 || buf.Len() >= len(body) {
		return nil, false
	}
	return buf.Bytes(), true
}
