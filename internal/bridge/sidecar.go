package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/protocol"
	ptyh "github.com/termbridge/termbridge/internal/pty"
)

// hostLostExitCode is the sentinel reported on every remote handle when the
// host child dies out from under it; never a real wait status.
const hostLostExitCode = -1

const probeTimeout = 5 * time.Second

// SidecarOptions configures host-process startup.
type SidecarOptions struct {
	// HostPath overrides host executable discovery when set.
	HostPath       string
	StartupTimeout time.Duration
	RPCTimeout     time.Duration
	Logger         *zap.Logger
}

// SidecarSpawner routes all PTY operations through one long-lived host
// child process over the line protocol. It owns the pending-request table
// and the pid→handle registry; both are mutated under one mutex, and the
// placeholder→real pid rebind happens in the read loop's critical section
// so no event for the real pid can race past it.
type SidecarSpawner struct {
	logger     *zap.Logger
	rpcTimeout time.Duration

	cmd     *exec.Cmd
	stdin   io.Closer
	out     *protocol.Writer
	readyCh chan int

	mu              sync.Mutex
	pending         map[string]*pendingCall
	handles         map[int]*RemoteHandle
	nextPlaceholder int
	lost            bool
	hostPid         int
}

type pendingCall struct {
	placeholder int // non-zero only for create
	timer       *time.Timer
	ch          chan callResult
}

type callResult struct {
	env protocol.Envelope
	err error
}

// StartSidecar locates a host executable, launches it with stdio pipes, and
// waits for its ready event within the startup timeout.
func StartSidecar(ctx context.Context, opts SidecarOptions) (*SidecarSpawner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 10 * time.Second
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 30 * time.Second
	}

	exe, err := locateHostExecutable(ctx, opts.HostPath, logger)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, "ptyhost")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("host stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("host stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrHostLost, exe, err)
	}

	s := newSidecarConn(stdout, stdin, opts.RPCTimeout, logger)
	s.cmd = cmd
	go cmd.Wait() // reap; the read loop's EOF is the loss signal

	select {
	case pid := <-s.readyCh:
		s.mu.Lock()
		s.hostPid = pid
		s.mu.Unlock()
		logger.Info("pty host ready", zap.String("exe", exe), zap.Int("pid", pid))
		return s, nil
	case <-time.After(opts.StartupTimeout):
		s.Close()
		cmd.Process.Kill()
		return nil, fmt.Errorf("%w: no ready event within %s", ErrHostLost, opts.StartupTimeout)
	case <-ctx.Done():
		s.Close()
		cmd.Process.Kill()
		return nil, ctx.Err()
	}
}

// newSidecarConn wires a spawner over an arbitrary reader/writer pair.
// Split from StartSidecar so the protocol plumbing is testable without a
// real child process.
func newSidecarConn(r io.Reader, w io.WriteCloser, rpcTimeout time.Duration, logger *zap.Logger) *SidecarSpawner {
	s := &SidecarSpawner{
		logger:     logger,
		rpcTimeout: rpcTimeout,
		stdin:      w,
		out:        protocol.NewWriter(w),
		readyCh:    make(chan int, 1),
		pending:    make(map[string]*pendingCall),
		handles:    make(map[int]*RemoteHandle),
	}
	go s.readLoop(r)
	return s
}

// locateHostExecutable tries candidates in priority order: the running
// binary itself, then an explicit override, then PATH and well-known
// directories. Each candidate must pass a real probe run — existence on
// disk proves nothing about runnability.
func locateHostExecutable(ctx context.Context, override string, logger *zap.Logger) (string, error) {
	var candidates []string
	if self, err := os.Executable(); err == nil {
		candidates = append(candidates, self)
	}
	if override != "" {
		candidates = append(candidates, override)
	}
	if found, err := exec.LookPath("termbridge"); err == nil {
		candidates = append(candidates, found)
	}
	for _, dir := range []string{"/usr/local/bin", "/opt/homebrew/bin"} {
		candidates = append(candidates, filepath.Join(dir, "termbridge"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".local", "bin", "termbridge"))
	}

	var lastErr error
	seen := make(map[string]struct{})
	for _, exe := range candidates {
		if _, dup := seen[exe]; dup {
			continue
		}
		seen[exe] = struct{}{}
		if err := probeHost(ctx, exe); err != nil {
			lastErr = err
			logger.Debug("host candidate rejected", zap.String("exe", exe), zap.Error(err))
			continue
		}
		return exe, nil
	}
	return "", fmt.Errorf("%w: no usable host executable: %v", ErrHostLost, lastErr)
}

func probeHost(ctx context.Context, exe string) error {
	if _, err := os.Stat(exe); err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, exe, "ptyhost", "--probe").Output()
	if err != nil {
		return fmt.Errorf("probe %s: %w", exe, err)
	}
	if strings.TrimSpace(string(out)) != "ok" {
		return fmt.Errorf("probe %s: unexpected output %q", exe, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *SidecarSpawner) Spawn(ctx context.Context, cfg ptyh.Config) (ptyh.Handle, error) {
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = ptyh.DefaultCols
	}
	if rows <= 0 {
		rows = ptyh.DefaultRows
	}

	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot create session", ErrHostLost)
	}
	s.nextPlaceholder--
	placeholder := s.nextPlaceholder
	handle := newRemoteHandle(placeholder, s.out.Send, cfg.File, cols, rows)
	s.handles[placeholder] = handle
	s.mu.Unlock()

	env, err := protocol.NewRequest(uuid.NewString(), protocol.MethodCreate, protocol.CreateParams{
		File: cfg.File,
		Args: cfg.Args,
		Cols: cols,
		Rows: rows,
		Cwd:  cfg.Cwd,
		Env:  cfg.Env,
	})
	if err != nil {
		s.dropHandle(placeholder)
		return nil, err
	}

	resp, err := s.call(ctx, env, placeholder)
	if err != nil {
		s.dropHandle(placeholder)
		return nil, err
	}
	if resp.Error != "" {
		s.dropHandle(placeholder)
		return nil, fmt.Errorf("%w: %s", ErrSpawnFailed, resp.Error)
	}
	// The read loop rebound the handle to its real pid before resolving the
	// call, so the handle is fully addressable here.
	return handle, nil
}

// Close tears the host down: closing its stdin makes it kill every tracked
// PTY and exit; the SIGTERM is belt and braces.
func (s *SidecarSpawner) Close() error {
	s.mu.Lock()
	alreadyLost := s.lost
	s.mu.Unlock()

	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil && !alreadyLost {
		s.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// HostPid returns the host process's pid, zero before ready.
func (s *SidecarSpawner) HostPid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostPid
}

func (s *SidecarSpawner) call(ctx context.Context, env protocol.Envelope, placeholder int) (protocol.Envelope, error) {
	p := &pendingCall{placeholder: placeholder, ch: make(chan callResult, 1)}

	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return protocol.Envelope{}, fmt.Errorf("%w: %s request dropped", ErrHostLost, env.Method)
	}
	s.pending[env.ID] = p
	p.timer = time.AfterFunc(s.rpcTimeout, func() {
		s.resolvePending(env.ID, callResult{err: fmt.Errorf("%w: %s after %s", ErrRPCTimeout, env.Method, s.rpcTimeout)})
	})
	s.mu.Unlock()

	if err := s.out.Send(env); err != nil {
		s.removePending(env.ID)
		return protocol.Envelope{}, fmt.Errorf("send %s request: %w", env.Method, err)
	}

	select {
	case res := <-p.ch:
		return res.env, res.err
	case <-ctx.Done():
		s.removePending(env.ID)
		return protocol.Envelope{}, ctx.Err()
	}
}

// resolvePending removes the entry and delivers exactly one resolution.
func (s *SidecarSpawner) resolvePending(id string, res callResult) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	s.mu.Unlock()
	if ok {
		p.ch <- res
	}
}

func (s *SidecarSpawner) removePending(id string) {
	s.mu.Lock()
	if p, ok := s.pending[id]; ok {
		delete(s.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	s.mu.Unlock()
}

func (s *SidecarSpawner) dropHandle(pid int) {
	s.mu.Lock()
	delete(s.handles, pid)
	s.mu.Unlock()
}

func (s *SidecarSpawner) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		env, err := protocol.ParseLine(scanner.Bytes())
		if err != nil {
			if !errors.Is(err, protocol.ErrForeignLine) {
				s.logger.Warn("host transport: discarding malformed line", zap.Error(err))
			}
			continue
		}
		switch env.Kind {
		case protocol.TypeResponse:
			s.handleResponse(env)
		case protocol.TypeEvent:
			s.handleEvent(env)
		}
	}
	s.hostExited()
}

func (s *SidecarSpawner) handleResponse(env protocol.Envelope) {
	s.mu.Lock()
	p, ok := s.pending[env.ID]
	if !ok {
		// Late or duplicate response; ignored by contract.
		s.mu.Unlock()
		return
	}
	delete(s.pending, env.ID)
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.placeholder != 0 && env.Error == "" {
		// Rebind placeholder → real pid before the caller can observe the
		// response; events for the real pid arrive after this line on the
		// same stream, so none can miss the mapping.
		var result protocol.CreateResult
		if json.Unmarshal(env.Result, &result) == nil && result.Pid > 0 {
			if h, exists := s.handles[p.placeholder]; exists {
				delete(s.handles, p.placeholder)
				s.handles[result.Pid] = h
				h.updatePid(result.Pid)
			}
		}
	}
	s.mu.Unlock()

	p.ch <- callResult{env: env}
}

func (s *SidecarSpawner) handleEvent(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventReady:
		var params protocol.ReadyParams
		json.Unmarshal(env.Params, &params)
		select {
		case s.readyCh <- params.Pid:
		default:
		}

	case protocol.EventData:
		var params protocol.DataParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return
		}
		s.mu.Lock()
		h := s.handles[params.Pid]
		s.mu.Unlock()
		if h != nil {
			h.emitData(params.Data)
		}

	case protocol.EventExit:
		var params protocol.ExitParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return
		}
		s.mu.Lock()
		h := s.handles[params.Pid]
		delete(s.handles, params.Pid)
		s.mu.Unlock()
		if h != nil {
			h.emitExit(params.ExitCode, params.Signal)
		}

	case protocol.EventError:
		var params protocol.ErrorParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return
		}
		if params.Pid != 0 {
			s.mu.Lock()
			h := s.handles[params.Pid]
			s.mu.Unlock()
			if h != nil {
				h.emitError(errors.New(params.Message))
				return
			}
		}
		s.logger.Error("host reported error", zap.String("message", params.Message))
	}
}

// hostExited is the single "cancel everything" path: every pending RPC is
// rejected with ErrHostLost and every live remote handle sees a sentinel
// exit, so UI-side handling stays uniform.
func (s *SidecarSpawner) hostExited() {
	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return
	}
	s.lost = true
	pending := s.pending
	s.pending = make(map[string]*pendingCall)
	handles := s.handles
	s.handles = make(map[int]*RemoteHandle)
	s.mu.Unlock()

	s.logger.Warn("pty host process lost", zap.Int("pendingRequests", len(pending)), zap.Int("sessions", len(handles)))

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- callResult{err: fmt.Errorf("%w: host exited", ErrHostLost)}
	}
	for _, h := range handles {
		h.emitExit(hostLostExitCode, "")
	}
}

var _ ptyh.Spawner = (*SidecarSpawner)(nil)
