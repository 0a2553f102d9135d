// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/webtuner/internal/config"
	"github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/registry"
)

// ReasonChannelRemoved terminates streams whose channel left the lineup.
const ReasonChannelRemoved = "channel removed"

// StreamRuntime is the part of the stream manager the app drives.
type StreamRuntime interface {
	RunSweeper(ctx context.Context) error
	Streams() []registry.Stream
	Terminate(ctx context.Context, id int64, channelKey, reason string) bool
}

// Runner is a background loop that stops with its context.
type Runner interface {
	Run(ctx context.Context) error
}

// App owns the long-lived runtime lifecycle (watchers, reload wiring, the
// status loop and the idle sweeper) and delegates server management to Manager.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	cfgHolder    *config.Holder
	streams      StreamRuntime
	status       Runner
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator. cfgHolder, streams and status are optional.
func NewApp(logger zerolog.Logger, manager Manager, cfgHolder *config.Holder, streams StreamRuntime, status Runner) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		cfgHolder:    cfgHolder,
		streams:      streams,
		status:       status,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts all owned background subsystems and blocks until ctx is cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: startup should not fail if watcher cannot be started.
	if a.cfgHolder != nil {
		if err := a.cfgHolder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
		}
	}

	if a.cfgHolder != nil {
		applyCh := make(chan config.Config, 1)
		a.cfgHolder.RegisterListener(applyCh)

		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case cfg := <-applyCh:
					a.apply(ctx, cfg)
				}
			}
		})
	}

	// SIGHUP trigger for manual reload.
	if a.cfgHolder != nil && a.reloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str(log.FieldEvent, "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading config")

					if err := a.cfgHolder.Reload(ctx); err != nil {
						a.logger.Warn().
							Err(err).
							Str(log.FieldEvent, "config.reload_failed").
							Msg("config reload failed")
					}
				}
			}
		})
	}

	if a.status != nil {
		g.Go(func() error { return a.status.Run(ctx) })
	}
	if a.streams != nil {
		g.Go(func() error { return a.streams.RunSweeper(ctx) })
	}

	// Main server lifecycle.
	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			_ = a.manager.Shutdown(context.WithoutCancel(ctx))
		}
		return err
	})

	return g.Wait()
}

// apply reacts to a swapped configuration: the log level follows the file
// and streams whose channel disappeared are stopped.
func (a *App) apply(ctx context.Context, cfg config.Config) {
	if cfg.LogLevel != "" && !log.SetLevel(cfg.LogLevel) {
		a.logger.Warn().Str("level", cfg.LogLevel).Msg("ignoring unknown log level")
	}
	if a.streams == nil {
		return
	}
	for _, st := range a.streams.Streams() {
		if _, ok := cfg.Channel(st.ChannelKey); ok {
			continue
		}
		a.logger.Info().
			Int64(log.FieldStreamID, st.ID).
			Str(log.FieldChannel, st.ChannelKey).
			Msg("channel removed from lineup, stopping stream")
		a.streams.Terminate(ctx, st.ID, st.ChannelKey, ReasonChannelRemoved)
	}
}
