package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/bridge"
	ptyh "github.com/termbridge/termbridge/internal/pty"
)

// Settings is the slice of user configuration the core consumes.
type Settings struct {
	DefaultShell string
	ShellArgs    []string
}

// SettingsFunc supplies settings pull-based, called at spawn time and never
// cached, so configuration changes are picked up lazily.
type SettingsFunc func() Settings

// Options tunes the manager's spawn-retry policy.
type Options struct {
	RetryAttempts uint
	RetryDelay    time.Duration
}

// Manager owns the id→session registry. The teardown discipline is strict:
// deregister before destroying, and compare handle identity before acting
// on a delayed event — a mismatch means the session was already replaced
// and the event is stale.
type Manager struct {
	logger   *zap.Logger
	spawner  ptyh.Spawner
	settings SettingsFunc
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
	counter  int
}

func NewManager(spawner ptyh.Spawner, settings SettingsFunc, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings == nil {
		settings = func() Settings { return Settings{} }
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 150 * time.Millisecond
	}
	return &Manager{
		logger:   logger,
		spawner:  spawner,
		settings: settings,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// CreateTerminal spawns a session with the default shell options. An empty
// id allocates one; a supplied id that is already registered is an error.
func (m *Manager) CreateTerminal(ctx context.Context, id string) (*Session, error) {
	id, err := m.claimID(id)
	if err != nil {
		return nil, err
	}

	settings := m.settings()
	shell := settings.DefaultShell
	if shell == "" || bridge.ValidateShell(shell) != nil {
		shell = bridge.DefaultShell()
	}

	sess, err := m.spawnSession(ctx, id, shell, settings.ShellArgs)
	if err != nil {
		m.releaseID(id)
		return nil, err
	}
	return sess, nil
}

// CreateTerminalWithAvailableShell is the resilient variant behind the
// primary "open terminal" action: it walks the validated candidate list,
// retrying a candidate only for transient spawn races, and fails only when
// every candidate is exhausted — with an error naming each shell tried.
func (m *Manager) CreateTerminalWithAvailableShell(ctx context.Context, id string) (*Session, error) {
	id, err := m.claimID(id)
	if err != nil {
		return nil, err
	}

	settings := m.settings()
	candidates := bridge.ShellCandidates(settings.DefaultShell)
	if len(candidates) == 0 {
		m.releaseID(id)
		return nil, fmt.Errorf("%w: no usable shell on this system", bridge.ErrShellNotFound)
	}

	var failures error
	for _, shell := range candidates {
		var args []string
		if shell == settings.DefaultShell {
			args = settings.ShellArgs
		}

		var sess *Session
		err := retry.Do(
			func() error {
				var spawnErr error
				sess, spawnErr = m.spawnSession(ctx, id, shell, args)
				return spawnErr
			},
			retry.Attempts(m.opts.RetryAttempts),
			retry.Delay(m.opts.RetryDelay),
			retry.RetryIf(bridge.IsTransientSpawn),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				m.logger.Warn("transient spawn failure, retrying",
					zap.String("shell", shell),
					zap.Uint("attempt", n+1),
					zap.Error(err))
			}),
		)
		if err == nil {
			return sess, nil
		}
		m.logger.Warn("shell candidate failed", zap.String("shell", shell), zap.Error(err))
		failures = multierror.Append(failures, fmt.Errorf("%s: %w", shell, err))
	}

	m.releaseID(id)
	return nil, fmt.Errorf("no shell could be started (tried %s): %w",
		strings.Join(candidates, ", "), failures)
}

// GetTerminal returns the session registered under id, nil when unknown.
func (m *Manager) GetTerminal(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// ListTerminals snapshots all registered sessions.
func (m *Manager) ListTerminals() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil { // skip ids reserved by in-flight creates
			out = append(out, s)
		}
	}
	return out
}

// DestroyTerminal deregisters first, then best-effort kills the handle.
// The ordering guarantees a late exit event finds no live session and is
// dropped. Destroy-time kill failures are logged, not returned: the
// session is going away regardless.
func (m *Manager) DestroyTerminal(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess == nil {
		m.mu.Unlock()
		m.logger.Warn("destroy requested for unknown terminal", zap.String("id", id))
		return
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	sess.markDestroyed()
	if handle := sess.Handle(); handle != nil {
		if err := handle.Kill(""); err != nil {
			m.logger.Warn("terminal kill failed", zap.String("id", id), zap.Error(err))
		}
	}
	m.logger.Info("terminal destroyed", zap.String("id", id))
}

// RestartTerminal replaces a session's handle by destroy-then-recreate
// under the same id, preserving the UI view reference. Never kill-in-place:
// the replacement handle may be a different variant entirely, and its event
// wiring must be fresh.
func (m *Manager) RestartTerminal(ctx context.Context, id string) (*Session, error) {
	old := m.GetTerminal(id)
	if old == nil {
		return nil, fmt.Errorf("terminal %s not found", id)
	}
	view := old.View()

	m.DestroyTerminal(id)

	sess, err := m.CreateTerminalWithAvailableShell(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restart terminal %s: %w", id, err)
	}
	sess.SetView(view)
	m.logger.Info("terminal restarted", zap.String("id", id), zap.Int("pid", sess.Handle().Pid()))
	return sess, nil
}

// ResizeAllTerminals fans a resize out to every active session,
// best-effort; per-session failures are logged, never propagated.
func (m *Manager) ResizeAllTerminals(cols, rows int) {
	for _, sess := range m.ListTerminals() {
		if !sess.IsActive() {
			continue
		}
		if err := sess.Handle().Resize(cols, rows); err != nil {
			m.logger.Warn("terminal resize failed", zap.String("id", sess.ID), zap.Error(err))
		}
	}
}

// Cleanup destroys every session, continuing past individual failures,
// then releases the spawner.
func (m *Manager) Cleanup() {
	for _, sess := range m.ListTerminals() {
		m.DestroyTerminal(sess.ID)
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if err := m.spawner.Close(); err != nil {
		m.logger.Warn("spawner close failed", zap.Error(err))
	}
}

// claimID validates or allocates an id and reserves it in the registry
// with a placeholder-free two-phase check (reserve under lock, release on
// spawn failure) so concurrent creates cannot collide.
func (m *Manager) claimID(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.counter++
		id = fmt.Sprintf("term-%d-%d", m.counter, time.Now().UnixMilli())
	} else if _, exists := m.sessions[id]; exists {
		return "", fmt.Errorf("terminal %s already exists", id)
	}
	m.sessions[id] = nil // reserved
	return id, nil
}

func (m *Manager) releaseID(id string) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && s == nil {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

func (m *Manager) spawnSession(ctx context.Context, id, shell string, args []string) (*Session, error) {
	handle, err := m.spawner.Spawn(ctx, ptyh.Config{
		File: shell,
		Args: args,
		Cwd:  bridge.ResolveCwd(""),
		Env:  bridge.BuildEnv(nil),
	})
	if err != nil {
		return nil, err
	}

	sess := newSession(id, handle)
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	// Handlers re-check that this handle is still the one registered under
	// the id before acting; a delayed event from a replaced handle is
	// dropped here.
	handle.OnExit(func(code int, signal string) {
		if !m.isCurrent(id, handle) {
			m.logger.Debug("stale exit event dropped", zap.String("id", id))
			return
		}
		sess.markExited()
		m.logger.Info("terminal exited",
			zap.String("id", id), zap.Int("code", code), zap.String("signal", signal))
	})
	handle.OnError(func(err error) {
		if !m.isCurrent(id, handle) {
			return
		}
		sess.markErrored()
		m.logger.Error("terminal errored", zap.String("id", id), zap.Error(err))
	})

	m.logger.Info("terminal created",
		zap.String("id", id), zap.String("shell", shell), zap.Int("pid", handle.Pid()))
	return sess, nil
}

func (m *Manager) isCurrent(id string, handle ptyh.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	return s != nil && s.handle == handle
}
