package bridge

import (
	"errors"
	"strings"
	"syscall"
)

// Failure kinds surfaced by the bridge and the spawners it produces.
// Callers classify with errors.Is; the concrete messages wrap these.
var (
	// ErrSpawnerUnavailable: no strategy could produce a PTY spawner.
	// Memoized — every later spawn fails fast with this.
	ErrSpawnerUnavailable = errors.New("no pty spawner available")

	// ErrShellNotFound: candidate shell missing or not executable.
	ErrShellNotFound = errors.New("shell not found or not executable")

	// ErrSpawnFailed: the OS spawn primitive rejected the request.
	ErrSpawnFailed = errors.New("pty spawn failed")

	// ErrRPCTimeout: a correlated host request got no response in time.
	ErrRPCTimeout = errors.New("host request timed out")

	// ErrHostLost: the sidecar child exited or could not be reached.
	ErrHostLost = errors.New("pty host process lost")
)

// IsTransientSpawn reports whether a spawn failure looks like the short-lived
// OS race worth retrying (a concurrently written binary, a momentarily
// exhausted process table). Structured errno checks first; the substring
// match covers errors that crossed the wire as strings. Best-effort
// heuristic, not a guaranteed classification.
func IsTransientSpawn(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ETXTBSY) || errors.Is(err, syscall.EAGAIN) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "text file busy") ||
		strings.Contains(msg, "resource temporarily unavailable")
}
