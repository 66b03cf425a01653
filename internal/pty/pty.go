// Package pty abstracts over how a pseudo-terminal is obtained. A Handle is
// the same surface whether the PTY lives in this process or behind the host
// process transport; callers never branch on the variant.
package pty

import (
	"context"
	"syscall"
)

// Handle is one live (or recently dead) PTY.
//
// Write and Resize are fire-and-forget: on a handle whose process has
// already exited they are no-ops, never errors, since callers do not await
// them. Kill is idempotent. Subscriptions return a disposer.
type Handle interface {
	Pid() int
	Shell() string
	Size() (cols, rows int)
	Alive() bool

	Write(data string) error
	Resize(cols, rows int) error
	Kill(signal string) error

	OnData(fn func(data string)) (dispose func())
	OnExit(fn func(exitCode int, signal string)) (dispose func())
	OnError(fn func(err error)) (dispose func())
}

// Config describes the shell to spawn.
type Config struct {
	File string
	Args []string
	Cols int
	Rows int
	Cwd  string
	Env  map[string]string
}

// Spawner produces Handles. The bridge resolves which implementation backs
// it; Close releases whatever the implementation holds (for the sidecar
// variant, the host child process).
type Spawner interface {
	Spawn(ctx context.Context, cfg Config) (Handle, error)
	Close() error
}

// Default dimensions when a caller passes zero.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// SignalByName maps the protocol's signal names onto syscall signals.
// Unknown or empty names fall back to SIGTERM.
func SignalByName(name string) syscall.Signal {
	switch name {
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGINT":
		return syscall.SIGINT
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGTERM", "":
		return syscall.SIGTERM
	default:
		return syscall.SIGTERM
	}
}
