// Command oxidedb runs the OxideDB server: a MongoDB wire protocol
// front end that compiles commands to SQL against a PostgreSQL backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oxidedb/oxidedb/internal/config"
	"github.com/oxidedb/oxidedb/internal/cursor"
	"github.com/oxidedb/oxidedb/internal/dispatch"
	"github.com/oxidedb/oxidedb/internal/metrics"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/shadow"
	"github.com/oxidedb/oxidedb/internal/storage"
)

// exit codes per §6: 0 normal, 2 configuration error, non-zero otherwise.
const (
	exitOK   = 0
	exitConf = 2
	exitErr  = 1
)

// transactionTTL and cursor reaper settings are not exposed as flags
// (§6 doesn't name them): a 60-second transaction ceiling, a 5-second
// cursor reaper sweep and a 10-minute idle cursor timeout.
const (
	transactionTTL     = 60 * time.Second
	cursorSweepInterval = 5 * time.Second
	cursorIdleTimeout   = 10 * time.Minute
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "oxidedb",
		Short: "MongoDB wire protocol front end backed by PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, cmd.Flags())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional config file")
	config.RegisterFlags(root.Flags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		if _, ok := err.(*configError); ok {
			os.Exit(exitConf)
		}
		os.Exit(exitErr)
	}
}

// configError marks a failure as a configuration problem so main can map
// it onto §6's exit code 2 rather than the generic non-zero code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func run(ctx context.Context, configPath string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return &configError{err}
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return &configError{err}
	}
	defer func() { _ = logger.Sync() }()

	pool, err := storage.Open(ctx, cfg.PostgresURL, logger)
	if err != nil {
		return fmt.Errorf("open backend pool: %w", err)
	}
	defer pool.Close()

	sessions := session.New(pool, transactionTTL)
	cursors := cursor.New(cursorSweepInterval, cursorIdleTimeout)
	shadowMetrics := &metrics.Shadow{}

	var comparator *shadow.Comparator
	if cfg.Shadow.Enabled {
		comparator = shadow.New(shadow.Config{
			Enabled:    true,
			Addr:       cfg.Shadow.Addr,
			DBPrefix:   cfg.Shadow.DBPrefix,
			Timeout:    cfg.Shadow.Timeout(),
			SampleRate: cfg.Shadow.SampleRate,
		}, shadowMetrics, logger)
	}

	var auth *session.Authenticator
	if cfg.AuthUsername != "" && cfg.AuthPassword != "" {
		auth = session.NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword)
	}

	d := dispatch.New(pool, sessions, cursors, comparator, shadowMetrics, auth, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- cursors.Run(runCtx) }()
	go func() { errCh <- d.ListenAndServe(runCtx, cfg.ListenAddr) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		cancel()
		<-errCh
		<-errCh
		return nil
	case err := <-errCh:
		cancel()
		<-errCh
		if err != nil {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log-level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	return cfg.Build()
}
