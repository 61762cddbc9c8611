package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/genricoloni/nowplayd/internal/artwork"
	"github.com/genricoloni/nowplayd/internal/config"
	"github.com/genricoloni/nowplayd/internal/domain"
	"github.com/genricoloni/nowplayd/internal/engine"
	"github.com/genricoloni/nowplayd/internal/fetcher"
	"github.com/genricoloni/nowplayd/internal/metrics"
	"github.com/genricoloni/nowplayd/internal/monitor"
	"github.com/genricoloni/nowplayd/internal/processor"
	"github.com/genricoloni/nowplayd/internal/server"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AppOptions holds every provider and hook of the daemon.
// The process arguments are supplied separately as config.Args.
var AppOptions = fx.Options(
	fx.Provide(
		newLogger,
		fx.Annotate(config.NewAppConfig, fx.As(new(domain.Config))),
		metrics.New,
		fx.Annotate(monitor.NewMprisMonitor, fx.As(new(domain.Monitor))),
		engine.NewSynchronizer,
		func(s *engine.Synchronizer) domain.StateSource { return s },
		fx.Annotate(fetcher.NewFileFetcher, fx.As(new(domain.Fetcher))),
		fx.Annotate(processor.NewThumbnailer, fx.As(new(domain.ImageProcessor))),
		artwork.NewResolver,
		server.NewServer,
	),
	fx.Invoke(registerHooks),
)

func main() {
	app := fx.New(
		AppOptions,
		fx.Supply(config.Args(os.Args[1:])),

		// Logger configuration
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	if err := app.Err(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start the application
	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Wait for interrupt signal
	<-ctx.Done()

	// Stop the application gracefully
	stopCtx, stopCancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger creates a production zap logger whose level the configuration can change
func newLogger() (*zap.Logger, zap.AtomicLevel, error) {
	cfg := zap.NewProductionConfig()
	logger, err := cfg.Build()
	if err != nil {
		return nil, cfg.Level, err
	}
	return logger, cfg.Level, nil
}

// registerHooks sets up application lifecycle hooks
func registerHooks(
	lc fx.Lifecycle,
	logger *zap.Logger,
	mon domain.Monitor,
	syncer *engine.Synchronizer,
	srv *server.Server,
) {
	// Background work outlives the OnStart context
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := srv.Start(ctx); err != nil {
				return err
			}

			if err := syncer.Start(runCtx); err != nil {
				return err
			}

			go func() {
				if err := mon.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Media monitor unavailable, serving default state", zap.Error(err))
				}
			}()

			logger.Info("nowplayd started", zap.String("addr", srv.Addr()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down")

			err := srv.Stop(ctx)
			err = multierr.Append(err, mon.Stop(ctx))
			cancel()
			err = multierr.Append(err, syncer.Stop(ctx))
			return err
		},
	})
}
