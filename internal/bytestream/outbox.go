package bytestream

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

// ErrClosed is returned by Append once the outbox has been closed.
var ErrClosed = errors.New("bytestream: outbox closed")

// Segment is one piece of queued outbound data. Release, when set, runs after
// the bytes have been handed to the socket or the segment is dropped.
type Segment struct {
	Data    []byte
	Release func()
}

// Outbox is a connection's outbound stream. Any goroutine may append; only the
// connection's event loop drains it. A single Append is never interleaved with
// another, so a frame header and its payload always leave together.
type Outbox struct {
	mu      sync.Mutex
	q       *queue.Queue
	size    int
	pending bool
	closed  bool
}

// Append queues segs as one unit. It reports whether the caller must schedule
// a flush, which is true only for the first append after a drain. On a closed
// outbox nothing is queued and the caller keeps ownership of the segments.
func (o *Outbox) Append(segs ...Segment) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false, ErrClosed
	}
	if o.q == nil {
		o.q = queue.New()
	}
	for _, s := range segs {
		if len(s.Data) == 0 && s.Release == nil {
			continue
		}
		o.q.Add(s)
		o.size += len(s.Data)
	}
	if o.pending {
		return false, nil
	}
	o.pending = true
	return true, nil
}

// Len returns the number of queued bytes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Drain removes every queued segment, appending the data slices to bufs and
// the release callbacks to releases.
func (o *Outbox) Drain(bufs [][]byte, releases []func()) ([][]byte, []func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending = false
	if o.q == nil {
		return bufs, releases
	}
	for o.q.Length() > 0 {
		s := o.q.Remove().(Segment)
		if len(s.Data) > 0 {
			bufs = append(bufs, s.Data)
		}
		if s.Release != nil {
			releases = append(releases, s.Release)
		}
	}
	o.size = 0
	return bufs, releases
}

// Close drops every queued segment, running release callbacks, and makes
// further appends fail.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	_, releases := o.Drain(nil, nil)
	for _, r := range releases {
		r()
	}
}
