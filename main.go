package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/api"
	"github.com/termbridge/termbridge/internal/attach"
	"github.com/termbridge/termbridge/internal/bridge"
	"github.com/termbridge/termbridge/internal/config"
	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/ptyhost"
	"github.com/termbridge/termbridge/internal/session"
	"github.com/termbridge/termbridge/internal/store"
)

func main() {
	// Subcommand dispatch: "termbridge ptyhost" runs the pty host process.
	if len(os.Args) > 1 && os.Args[1] == "ptyhost" {
		runPTYHost(os.Args[2:])
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "termbridge: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termbridge: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dbPath, err := cfg.DBPath()
	if err != nil {
		logger.Fatal("resolve database path", zap.Error(err))
	}
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Fatal("open store", zap.String("path", dbPath), zap.Error(err))
	}
	defer st.Close()

	br := bridge.New(bridge.Options{
		DisableDirect:  cfg.DisableDirect,
		HostPath:       cfg.HostPath,
		StartupTimeout: cfg.HostStartupTimeout,
		RPCTimeout:     cfg.RPCTimeout,
	}, logger)

	settings := func() session.Settings {
		return session.Settings{
			DefaultShell: cfg.DefaultShell,
			ShellArgs:    cfg.ShellArgs,
		}
	}
	mgr := session.NewManager(br, settings, session.Options{
		RetryAttempts: cfg.SpawnRetries,
		RetryDelay:    cfg.SpawnRetryDelay,
	}, logger)

	restoreTerminals(context.Background(), mgr, st, logger)

	mux := http.NewServeMux()
	api.NewTerminalsHandler(mgr, st, logger).Register(mux)
	mux.Handle("GET /terminals/{id}/attach", attach.NewHandler(mgr, logger))
	mux.Handle("GET /attach", attach.NewMux(mgr, logger))

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))

		mgr.Cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	logger.Info("termbridge listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("db", dbPath))
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// runPTYHost serves the wire protocol on stdin/stdout. "--probe" prints a
// marker and exits; the controller uses it to verify a candidate executable
// actually speaks the protocol before adopting it.
func runPTYHost(args []string) {
	if len(args) > 0 && args[0] == "--probe" {
		fmt.Println("ok")
		return
	}

	logger := logging.NewStderr(os.Getenv("TERMBRIDGE_LOG_LEVEL"))
	defer logger.Sync()

	if err := ptyhost.Run(os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("pty host failed", zap.Error(err))
		os.Exit(1)
	}
}

// restoreTerminals respawns the terminals recorded by the previous run.
// Rows whose shells no longer spawn are pruned rather than retried forever.
func restoreTerminals(ctx context.Context, mgr *session.Manager, st *store.Store, logger *zap.Logger) {
	rows, err := st.List()
	if err != nil {
		logger.Warn("failed to list persisted terminals", zap.Error(err))
		return
	}

	restored := 0
	for _, row := range rows {
		if _, err := mgr.CreateTerminalWithAvailableShell(ctx, row.ID); err != nil {
			logger.Warn("failed to restore terminal, pruning",
				zap.String("id", row.ID), zap.Error(err))
			st.Delete(row.ID)
			continue
		}
		restored++
	}
	if restored > 0 {
		logger.Info("restored terminals", zap.Int("count", restored))
	}
}
