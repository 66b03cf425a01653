// Package ptyhost implements the standalone process that owns real PTY
// handles. It is the only sidecar-mode component that touches the OS
// pseudo-terminal primitives; everything it does is driven by protocol
// requests on stdin and reported as responses/events on stdout. Logs go to
// stderr — stdout is the wire.
package ptyhost

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/protocol"
	ptyh "github.com/termbridge/termbridge/internal/pty"
)

type host struct {
	out    *protocol.Writer
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[int]*hostSession
}

type hostSession struct {
	pid  int
	cmd  *exec.Cmd
	ptmx *os.File

	mu      sync.Mutex
	stopped bool
}

// Run drives the host until its input closes or a termination signal
// arrives. Either way every tracked PTY is killed best-effort first, so no
// shell outlives the host as an orphan.
func Run(in io.Reader, out io.Writer, logger *zap.Logger) error {
	h := &host{
		out:      protocol.NewWriter(out),
		logger:   logger,
		sessions: make(map[int]*hostSession),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	h.sendEvent(protocol.EventReady, protocol.ReadyParams{Pid: os.Getpid()})

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case sig := <-sigCh:
			h.logger.Info("ptyhost: shutting down on signal", zap.String("signal", sig.String()))
			h.killAll()
			return nil
		case line, ok := <-lines:
			if !ok {
				h.logger.Info("ptyhost: input closed, shutting down")
				h.killAll()
				return <-readErr
			}
			h.handleLine(line)
		}
	}
}

func (h *host) handleLine(line []byte) {
	// A panic in dispatch becomes an error event, never a crash: the
	// controller depends on this process staying up for every session.
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("ptyhost: recovered panic", zap.Any("panic", r))
			h.sendEvent(protocol.EventError, protocol.ErrorParams{Message: fmt.Sprintf("host panic: %v", r)})
		}
	}()

	env, err := protocol.ParseLine(line)
	if err != nil {
		if errors.Is(err, protocol.ErrForeignLine) {
			return // leaked runtime noise, not ours to judge
		}
		h.logger.Warn("ptyhost: discarding malformed line", zap.Error(err))
		return
	}
	if env.Kind != protocol.TypeRequest {
		return
	}

	switch env.Method {
	case protocol.MethodCreate:
		h.handleCreate(env)
	case protocol.MethodWrite:
		h.handleWrite(env)
	case protocol.MethodResize:
		h.handleResize(env)
	case protocol.MethodKill:
		h.handleKill(env)
	default:
		h.sendError(env.ID, fmt.Sprintf("unknown method: %s", env.Method))
	}
}

func (h *host) handleCreate(env protocol.Envelope) {
	var params protocol.CreateParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		h.sendError(env.ID, err.Error())
		return
	}

	cols, rows := params.Cols, params.Rows
	if cols <= 0 {
		cols = ptyh.DefaultCols
	}
	if rows <= 0 {
		rows = ptyh.DefaultRows
	}

	cmd := exec.Command(params.File, params.Args...)
	cmd.Dir = params.Cwd
	if params.Env != nil {
		cmd.Env = make([]string, 0, len(params.Env))
		for k, v := range params.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	} else {
		cmd.Env = os.Environ()
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		h.sendError(env.ID, fmt.Sprintf("start pty %s: %v", params.File, err))
		return
	}

	pid := cmd.Process.Pid
	sess := &hostSession{pid: pid, cmd: cmd, ptmx: ptmx}

	h.mu.Lock()
	h.sessions[pid] = sess
	h.mu.Unlock()

	h.sendResponse(env.ID, protocol.CreateResult{Pid: pid})
	h.logger.Info("ptyhost: session created", zap.Int("pid", pid), zap.String("file", params.File))

	// PTY output → data events, in read order.
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				h.sendEvent(protocol.EventData, protocol.DataParams{Pid: pid, Data: string(buf[:n])})
			}
			if err != nil {
				return
			}
		}
	}()

	go h.waitAndReport(sess)
}

func (h *host) waitAndReport(sess *hostSession) {
	err := sess.cmd.Wait()

	sess.mu.Lock()
	sess.stopped = true
	sess.mu.Unlock()
	sess.ptmx.Close()

	h.mu.Lock()
	delete(h.sessions, sess.pid)
	h.mu.Unlock()

	code := 0
	sig := ""
	if state := sess.cmd.ProcessState; state != nil {
		code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig = ws.Signal().String()
		}
	} else if err != nil {
		code = -1
	}

	h.sendEvent(protocol.EventExit, protocol.ExitParams{Pid: sess.pid, ExitCode: code, Signal: sig})
	h.logger.Info("ptyhost: session exited", zap.Int("pid", sess.pid), zap.Int("code", code))
}

// handleWrite forwards input bytes. Fire-and-forget both ways: no response
// is ever sent, and an unknown pid (the shell already exited) is a silent
// no-op rather than an error.
func (h *host) handleWrite(env protocol.Envelope) {
	var params protocol.WriteParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		h.logger.Warn("ptyhost: bad write params", zap.Error(err))
		return
	}
	sess := h.lookup(params.Pid)
	if sess == nil {
		return
	}
	sess.ptmx.Write([]byte(params.Data))
}

func (h *host) handleResize(env protocol.Envelope) {
	var params protocol.ResizeParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		h.sendError(env.ID, err.Error())
		return
	}
	sess := h.lookup(params.Pid)
	if sess == nil {
		// Already exited; ack anyway, the caller doesn't await this.
		h.sendResponse(env.ID, struct{}{})
		return
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Cols: uint16(params.Cols), Rows: uint16(params.Rows)}); err != nil {
		h.sendError(env.ID, fmt.Sprintf("resize pid %d: %v", params.Pid, err))
		return
	}
	h.sendResponse(env.ID, struct{}{})
}

// handleKill acks regardless of whether a live PTY was found: the caller's
// intent (no such session) is satisfied either way.
func (h *host) handleKill(env protocol.Envelope) {
	var params protocol.KillParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		h.sendError(env.ID, err.Error())
		return
	}

	h.mu.Lock()
	sess := h.sessions[params.Pid]
	delete(h.sessions, params.Pid)
	h.mu.Unlock()

	if sess != nil {
		sess.mu.Lock()
		if !sess.stopped {
			if sess.cmd.Process != nil {
				sess.cmd.Process.Signal(ptyh.SignalByName(params.Signal))
			}
			sess.ptmx.Close()
		}
		sess.mu.Unlock()
	}
	h.sendResponse(env.ID, struct{}{})
}

func (h *host) lookup(pid int) *hostSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[pid]
}

func (h *host) killAll() {
	h.mu.Lock()
	sessions := make([]*hostSession, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.sessions = make(map[int]*hostSession)
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if !sess.stopped {
			if sess.cmd.Process != nil {
				sess.cmd.Process.Signal(syscall.SIGTERM)
			}
			sess.ptmx.Close()
		}
		sess.mu.Unlock()
	}
}

func (h *host) sendResponse(id string, result any) {
	env, err := protocol.NewResponse(id, result)
	if err != nil {
		h.logger.Error("ptyhost: encode response", zap.Error(err))
		return
	}
	if err := h.out.Send(env); err != nil {
		h.logger.Error("ptyhost: send response", zap.Error(err))
	}
}

func (h *host) sendError(id, msg string) {
	if err := h.out.Send(protocol.NewErrorResponse(id, msg)); err != nil {
		h.logger.Error("ptyhost: send error response", zap.Error(err))
	}
}

func (h *host) sendEvent(name string, params any) {
	env, err := protocol.NewEvent(name, params)
	if err != nil {
		h.logger.Error("ptyhost: encode event", zap.Error(err))
		return
	}
	if err := h.out.Send(env); err != nil {
		h.logger.Error("ptyhost: send event", zap.Error(err))
	}
}

func unmarshalParams(raw []byte, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("bad params: %w", err)
	}
	return nil
}
