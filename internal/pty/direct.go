package pty

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// directHandle owns an in-process PTY. The OS process is the true owner of
// the shell; this struct holds only the ptmx and bookkeeping.
type directHandle struct {
	cmd   *exec.Cmd
	ptmx  *os.File
	shell string
	ev    *Events

	mu     sync.Mutex
	cols   int
	rows   int
	killed bool
	dead   bool
}

// DirectSpawner spawns PTYs in-process via creack/pty.
type DirectSpawner struct{}

func NewDirectSpawner() *DirectSpawner {
	return &DirectSpawner{}
}

func (s *DirectSpawner) Spawn(_ context.Context, cfg Config) (Handle, error) {
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(cfg.File, cfg.Args...)
	cmd.Dir = cfg.Cwd
	if cfg.Env != nil {
		cmd.Env = flattenEnv(cfg.Env)
	} else {
		cmd.Env = os.Environ()
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("start pty %s: %w", cfg.File, err)
	}

	h := &directHandle{
		cmd:   cmd,
		ptmx:  ptmx,
		shell: cfg.File,
		ev:    NewEvents(),
		cols:  cols,
		rows:  rows,
	}

	// Output pump: emission order is delivery order.
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				h.ev.EmitData(string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	go h.wait()

	return h, nil
}

func (s *DirectSpawner) Close() error {
	// Sessions are owned by their handles; nothing process-wide to release.
	return nil
}

func (h *directHandle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.dead = true
	h.mu.Unlock()
	h.ptmx.Close()

	code := 0
	signal := ""
	if state := h.cmd.ProcessState; state != nil {
		code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		}
	} else if err != nil {
		code = -1
	}
	h.ev.EmitExit(code, signal)
}

func (h *directHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *directHandle) Shell() string { return h.shell }

func (h *directHandle) Size() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

func (h *directHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.dead && !h.killed
}

func (h *directHandle) Write(data string) error {
	if !h.Alive() {
		return nil
	}
	if _, err := h.ptmx.Write([]byte(data)); err != nil {
		if !h.Alive() {
			// Lost the race with exit; expected, not an error.
			return nil
		}
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

func (h *directHandle) Resize(cols, rows int) error {
	h.mu.Lock()
	h.cols, h.rows = cols, rows
	alive := !h.dead && !h.killed
	h.mu.Unlock()
	if !alive {
		return nil
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		if !h.Alive() {
			return nil
		}
		return fmt.Errorf("pty resize: %w", err)
	}
	return nil
}

func (h *directHandle) Kill(signal string) error {
	h.mu.Lock()
	if h.killed || h.dead {
		h.mu.Unlock()
		return nil
	}
	h.killed = true
	h.mu.Unlock()

	if h.cmd.Process != nil {
		h.cmd.Process.Signal(SignalByName(signal))
	}
	h.ptmx.Close()
	return nil
}

func (h *directHandle) OnData(fn func(string)) func()      { return h.ev.OnData(fn) }
func (h *directHandle) OnExit(fn func(int, string)) func() { return h.ev.OnExit(fn) }
func (h *directHandle) OnError(fn func(error)) func()      { return h.ev.OnError(fn) }

// flattenEnv turns an environment map into the KEY=VALUE slice exec wants.
func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

var _ Handle = (*directHandle)(nil)
var _ Spawner = (*DirectSpawner)(nil)
