//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package registry

import "golang.org/x/sys/unix"

// reservedFDs are kept back from RLIMIT_NOFILE for listeners, logs and DNS.
const reservedFDs = 64

// DefaultMaxConnections derives a connection cap from the soft RLIMIT_NOFILE.
func DefaultMaxConnections() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return fallbackMaxConnections
	}
	cur := uint64(rl.Cur)
	if cur > 1<<20 {
		cur = 1 << 20
	}
	if cur <= 2*reservedFDs {
		return reservedFDs
	}
	return int(cur) - reservedFDs
}
