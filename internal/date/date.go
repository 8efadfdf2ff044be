// Package date keeps the HTTP Date header value cached so responses do not
// format the time on every request.
package date

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	current atomic.Pointer[[]byte]

	mu      sync.Mutex
	users   int
	stopped chan struct{}
)

// Start begins refreshing the cached value every 500ms. Calls nest: the
// ticker stops once every returned stop function has been called.
func Start() (stop func()) {
	mu.Lock()
	defer mu.Unlock()

	refresh()
	users++
	if users == 1 {
		stopped = make(chan struct{})
		go tick(stopped)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			users--
			if users == 0 {
				close(stopped)
				current.Store(nil)
			}
		})
	}
}

func tick(done <-chan struct{}) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			mu.Lock()
			if users > 0 {
				refresh()
			}
			mu.Unlock()
		case <-done:
			return
		}
	}
}

func refresh() {
	b := []byte(time.Now().UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached Date value. While no Start is active it formats
// on demand.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
