//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package registry

// DefaultMaxConnections returns a fixed cap where RLIMIT_NOFILE is unavailable.
func DefaultMaxConnections() int {
	return fallbackMaxConnections
}
