// Package h1 is the HTTP/1.1 plumbing used before a connection switches to
// WebSocket framing: a request parser that works on peeked bytes and a
// response serialiser for requests that are not upgrades.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformed is wrapped by every request syntax error.
	ErrMalformed = errors.New("malformed HTTP request")
	// ErrHeaderTooLarge is returned when the request head exceeds the limit.
	ErrHeaderTooLarge = errors.New("request header too large")
	// ErrBodyTooLarge is returned when the request body exceeds the limit.
	ErrBodyTooLarge = errors.New("request body too large")
)

var crlf = []byte("\r\n")

// Request is a parsed HTTP/1.1 request.
type Request struct {
	Method  string
	Path    string
	Version string
	// Headers holds (lower-cased name, value) pairs in arrival order.
	Headers [][2]string
	Host    string
	Body    []byte
	// RemoteAddr is filled in by the connection, not the parser.
	RemoteAddr string

	ContentLength int64
	Chunked       bool
	KeepAlive     bool
}

// Reset clears the request for reuse.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Version = ""
	r.Headers = r.Headers[:0]
	r.Host = ""
	r.Body = nil
	r.ContentLength = 0
	r.Chunked = false
	r.KeepAlive = false
}

// Get returns the first value of the named header, matched case-insensitively.
func (r *Request) Get(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Values returns every value of the named header.
func (r *Request) Values(name string) []string {
	var out []string
	for _, h := range r.Headers {
		if strings.EqualFold(h[0], name) {
			out = append(out, h[1])
		}
	}
	return out
}

// Parser parses a request head out of a byte slice without copying it first.
type Parser struct {
	buf []byte
	pos int
	// MaxHeaderBytes bounds the request head. Zero means no limit.
	MaxHeaderBytes int
	// MaxBodyBytes bounds the request body. Zero means no limit.
	MaxBodyBytes int64
}

// NewParser creates a parser with the given limits.
func NewParser(maxHeaderBytes int, maxBodyBytes int64) *Parser {
	return &Parser{MaxHeaderBytes: maxHeaderBytes, MaxBodyBytes: maxBodyBytes}
}

// Reset points the parser at new data.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// ParseRequest parses the request line and headers. It returns the number of
// bytes the head occupies, or 0 when the head is not complete yet.
func (p *Parser) ParseRequest(req *Request) (int, error) {
	complete, err := p.parseRequestLine(req)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, p.checkHeadLimit()
	}

	req.Headers = req.Headers[:0]
	req.ContentLength = -1
	req.KeepAlive = req.Version == "HTTP/1.1"

	complete, err = p.parseHeaders(req)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, p.checkHeadLimit()
	}
	if p.MaxHeaderBytes > 0 && p.pos > p.MaxHeaderBytes {
		return 0, ErrHeaderTooLarge
	}
	if req.Host == "" && req.Version == "HTTP/1.1" {
		return 0, fmt.Errorf("%w: missing Host header", ErrMalformed)
	}
	return p.pos, nil
}

// ParseBody reads the body of req from the bytes after its head. It returns
// the number of body bytes consumed and whether the body is complete.
func (p *Parser) ParseBody(req *Request) (int, bool, error) {
	start := p.pos
	switch {
	case req.Chunked:
		var body []byte
		for {
			chunk, n, err := p.parseChunk()
			if err != nil {
				return 0, false, err
			}
			if n == 0 {
				p.pos = start
				return 0, false, nil
			}
			if chunk == nil {
				break
			}
			body = append(body, chunk...)
			if p.MaxBodyBytes > 0 && int64(len(body)) > p.MaxBodyBytes {
				return 0, false, ErrBodyTooLarge
			}
		}
		req.Body = body
	case req.ContentLength > 0:
		if p.MaxBodyBytes > 0 && req.ContentLength > p.MaxBodyBytes {
			return 0, false, ErrBodyTooLarge
		}
		if int64(len(p.buf)-p.pos) < req.ContentLength {
			return 0, false, nil
		}
		end := p.pos + int(req.ContentLength)
		req.Body = append([]byte(nil), p.buf[p.pos:end]...)
		p.pos = end
	}
	return p.pos - start, true, nil
}

func (p *Parser) checkHeadLimit() error {
	if p.MaxHeaderBytes > 0 && len(p.buf) > p.MaxHeaderBytes {
		return ErrHeaderTooLarge
	}
	return nil
}

// parseRequestLine parses METHOD SP PATH SP VERSION CRLF.
func (p *Parser) parseRequestLine(req *Request) (bool, error) {
	lineEnd := bytes.Index(p.buf[p.pos:], crlf)
	if lineEnd == -1 {
		return false, nil
	}
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false, fmt.Errorf("%w: invalid request line", ErrMalformed)
	}
	req.Method = string(parts[0])
	req.Path = string(parts[1])
	req.Version = string(parts[2])
	if req.Version != "HTTP/1.1" && req.Version != "HTTP/1.0" {
		return false, fmt.Errorf("%w: unsupported version %q", ErrMalformed, req.Version)
	}
	return true, nil
}

// parseHeaders parses header lines up to the blank line.
func (p *Parser) parseHeaders(req *Request) (bool, error) {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], crlf)
		if lineEnd == -1 {
			return false, nil
		}
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + 2
		if len(line) == 0 {
			return true, nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return false, fmt.Errorf("%w: invalid header line", ErrMalformed)
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))
		if err := appendHeader(req, name, value); err != nil {
			return false, err
		}
	}
}

func appendHeader(req *Request, name, value string) error {
	req.Headers = append(req.Headers, [2]string{name, value})
	switch name {
	case "host":
		req.Host = value
	case "content-length":
		cl, err := strconv.ParseInt(value, 10, 64)
		if err != nil || cl < 0 {
			return fmt.Errorf("%w: invalid content-length %q", ErrMalformed, value)
		}
		if !req.Chunked {
			req.ContentLength = cl
		}
	case "transfer-encoding":
		if containsFold(value, "chunked") {
			req.Chunked = true
			req.ContentLength = -1
		}
	case "connection":
		if containsFold(value, "close") {
			req.KeepAlive = false
		} else if containsFold(value, "keep-alive") {
			req.KeepAlive = true
		}
	}
	return nil
}

// parseChunk parses one chunk of a chunked body. A nil chunk with n > 0 marks
// the terminating zero-size chunk; n == 0 means more data is needed.
func (p *Parser) parseChunk() (chunk []byte, n int, err error) {
	start := p.pos
	lineEnd := bytes.Index(p.buf[p.pos:], crlf)
	if lineEnd == -1 {
		return nil, 0, nil
	}
	sizeLine := p.buf[p.pos : p.pos+lineEnd]
	if semi := bytes.IndexByte(sizeLine, ';'); semi != -1 {
		sizeLine = sizeLine[:semi]
	}
	size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 64)
	if err != nil || size < 0 {
		return nil, 0, fmt.Errorf("%w: invalid chunk size", ErrMalformed)
	}
	p.pos += lineEnd + 2

	if size == 0 {
		// Trailers are not supported; expect the final CRLF.
		if len(p.buf)-p.pos < 2 {
			p.pos = start
			return nil, 0, nil
		}
		if !bytes.Equal(p.buf[p.pos:p.pos+2], crlf) {
			return nil, 0, fmt.Errorf("%w: chunk trailers are not supported", ErrMalformed)
		}
		p.pos += 2
		return nil, p.pos - start, nil
	}

	if p.MaxBodyBytes > 0 && size > p.MaxBodyBytes {
		return nil, 0, ErrBodyTooLarge
	}
	if avail := int64(len(p.buf) - p.pos); avail < 2 || size > avail-2 {
		p.pos = start
		return nil, 0, nil
	}
	chunk = p.buf[p.pos : p.pos+int(size)]
	p.pos += int(size) + 2
	return chunk, p.pos - start, nil
}

// containsFold reports whether s contains sub under ASCII case folding.
func containsFold(s, sub string) bool {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if strings.EqualFold(s[i:i+m], sub) {
			return true
		}
	}
	return false
}
