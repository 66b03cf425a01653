package bridge

import (
	"sync"

	"github.com/google/uuid"

	"github.com/termbridge/termbridge/internal/protocol"
	ptyh "github.com/termbridge/termbridge/internal/pty"
)

// RemoteHandle looks like a local PTY handle but forwards every operation to
// the host process. It is constructed under a placeholder negative pid —
// the map key before the host's create response carries the real one — and
// rebound once by the owning spawner.
//
// Write and Resize are fire-and-forget: transport failures are swallowed
// because the PTY may have exited and callers never await these. Kill is
// idempotent and marks the handle dead before the request goes out, so
// local operations short-circuit even while the kill is in flight.
type RemoteHandle struct {
	send  func(protocol.Envelope) error
	shell string
	ev    *ptyh.Events

	mu     sync.Mutex
	pid    int
	cols   int
	rows   int
	killed bool
	dead   bool
}

func newRemoteHandle(placeholderPid int, send func(protocol.Envelope) error, shell string, cols, rows int) *RemoteHandle {
	return &RemoteHandle{
		send:  send,
		shell: shell,
		ev:    ptyh.NewEvents(),
		pid:   placeholderPid,
		cols:  cols,
		rows:  rows,
	}
}

func (r *RemoteHandle) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

func (r *RemoteHandle) Shell() string { return r.shell }

func (r *RemoteHandle) Size() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cols, r.rows
}

func (r *RemoteHandle) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.killed && !r.dead
}

func (r *RemoteHandle) Write(data string) error {
	if !r.Alive() {
		return nil
	}
	env, err := protocol.NewRequest(uuid.NewString(), protocol.MethodWrite, protocol.WriteParams{
		Pid:  r.Pid(),
		Data: data,
	})
	if err != nil {
		return nil
	}
	r.send(env) // best effort
	return nil
}

func (r *RemoteHandle) Resize(cols, rows int) error {
	r.mu.Lock()
	r.cols, r.rows = cols, rows
	alive := !r.killed && !r.dead
	pid := r.pid
	r.mu.Unlock()
	if !alive {
		return nil
	}
	// Correlated on the wire, but nobody waits for the ack; an unmatched
	// response is ignored by contract.
	env, err := protocol.NewRequest(uuid.NewString(), protocol.MethodResize, protocol.ResizeParams{
		Pid:  pid,
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil
	}
	r.send(env)
	return nil
}

func (r *RemoteHandle) Kill(signal string) error {
	r.mu.Lock()
	if r.killed || r.dead {
		r.mu.Unlock()
		return nil
	}
	r.killed = true
	pid := r.pid
	r.mu.Unlock()

	env, err := protocol.NewRequest(uuid.NewString(), protocol.MethodKill, protocol.KillParams{
		Pid:    pid,
		Signal: signal,
	})
	if err != nil {
		return nil
	}
	r.send(env)
	return nil
}

func (r *RemoteHandle) OnData(fn func(string)) func()      { return r.ev.OnData(fn) }
func (r *RemoteHandle) OnExit(fn func(int, string)) func() { return r.ev.OnExit(fn) }
func (r *RemoteHandle) OnError(fn func(error)) func()      { return r.ev.OnError(fn) }

// updatePid rebinds the handle from its placeholder to the real pid. Called
// exactly once by the owning spawner, inside the same critical section that
// moves its pid→handle map entry.
func (r *RemoteHandle) updatePid(pid int) {
	r.mu.Lock()
	r.pid = pid
	r.mu.Unlock()
}

func (r *RemoteHandle) emitData(data string) { r.ev.EmitData(data) }

func (r *RemoteHandle) emitExit(code int, signal string) {
	r.mu.Lock()
	r.dead = true
	r.mu.Unlock()
	r.ev.EmitExit(code, signal)
}

func (r *RemoteHandle) emitError(err error) { r.ev.EmitError(err) }

var _ ptyh.Handle = (*RemoteHandle)(nil)
