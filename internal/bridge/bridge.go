// Package bridge resolves how PTYs get spawned. The controller may or may
// not be allowed to allocate PTYs in-process; the bridge tries its
// strategies once, in priority order, and the winner is the mode for the
// rest of the process lifetime.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	ptyh "github.com/termbridge/termbridge/internal/pty"
)

// Strategy is one way to obtain a spawner: a name plus a probe that either
// returns a validated capability or a typed failure.
type Strategy struct {
	Name  string
	Probe func(ctx context.Context) (ptyh.Spawner, error)
}

// Options tunes strategy construction.
type Options struct {
	// DisableDirect skips the in-process strategy, forcing the sidecar.
	DisableDirect bool
	// HostPath overrides sidecar host-executable discovery.
	HostPath       string
	StartupTimeout time.Duration
	RPCTimeout     time.Duration
}

// Bridge memoizes the first strategy that yields a working spawner. If none
// does, the failure is memoized too: every later Spawn fails fast with
// ErrSpawnerUnavailable instead of silently degrading.
type Bridge struct {
	logger     *zap.Logger
	strategies []Strategy

	once    sync.Once
	spawner ptyh.Spawner
	mode    string
	err     error
}

func New(opts Options, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	var strategies []Strategy
	if !opts.DisableDirect {
		strategies = append(strategies, Strategy{Name: "direct", Probe: probeDirect})
	}
	strategies = append(strategies, Strategy{
		Name: "sidecar",
		Probe: func(ctx context.Context) (ptyh.Spawner, error) {
			return StartSidecar(ctx, SidecarOptions{
				HostPath:       opts.HostPath,
				StartupTimeout: opts.StartupTimeout,
				RPCTimeout:     opts.RPCTimeout,
				Logger:         logger,
			})
		},
	})
	return &Bridge{logger: logger, strategies: strategies}
}

// NewWithStrategies builds a bridge over an explicit strategy list.
func NewWithStrategies(strategies []Strategy, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{logger: logger, strategies: strategies}
}

// Resolve runs strategy resolution on first call and returns the memoized
// result thereafter. A single strategy failing is swallowed (logged) and
// the next one tried; only total exhaustion is fatal.
func (b *Bridge) Resolve(ctx context.Context) (ptyh.Spawner, error) {
	b.once.Do(func() {
		var failures error
		for _, st := range b.strategies {
			spawner, err := st.Probe(ctx)
			if err != nil {
				b.logger.Warn("pty strategy unavailable", zap.String("strategy", st.Name), zap.Error(err))
				failures = multierror.Append(failures, fmt.Errorf("%s: %w", st.Name, err))
				continue
			}
			b.spawner = spawner
			b.mode = st.Name
			b.logger.Info("pty strategy selected", zap.String("strategy", st.Name))
			return
		}
		b.err = fmt.Errorf("%w: %v", ErrSpawnerUnavailable, failures)
	})
	return b.spawner, b.err
}

// Spawn resolves lazily then delegates. Bridge itself satisfies
// pty.Spawner so the session manager never sees the strategy machinery.
func (b *Bridge) Spawn(ctx context.Context, cfg ptyh.Config) (ptyh.Handle, error) {
	spawner, err := b.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return spawner.Spawn(ctx, cfg)
}

// Mode names the winning strategy, empty before resolution.
func (b *Bridge) Mode() string {
	return b.mode
}

func (b *Bridge) Close() error {
	if b.spawner != nil {
		return b.spawner.Close()
	}
	return nil
}

// probeDirect proves in-process PTY allocation actually works by opening
// and closing a pair; importing the package cleanly is not evidence.
func probeDirect(_ context.Context) (ptyh.Spawner, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("pty allocation probe: %w", err)
	}
	ptmx.Close()
	tty.Close()
	return ptyh.NewDirectSpawner(), nil
}

var _ ptyh.Spawner = (*Bridge)(nil)
