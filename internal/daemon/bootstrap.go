// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon provides the core daemon bootstrapping and lifecycle management.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/webtuner/internal/api"
	"github.com/ManuGH/webtuner/internal/api/middleware"
	"github.com/ManuGH/webtuner/internal/capture"
	"github.com/ManuGH/webtuner/internal/capture/cdp"
	"github.com/ManuGH/webtuner/internal/clients"
	"github.com/ManuGH/webtuner/internal/config"
	"github.com/ManuGH/webtuner/internal/hdhr"
	"github.com/ManuGH/webtuner/internal/health"
	"github.com/ManuGH/webtuner/internal/lifecycle"
	"github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/status"
	"github.com/ManuGH/webtuner/internal/streamctx"
	"github.com/ManuGH/webtuner/internal/supervisor"
	"github.com/ManuGH/webtuner/internal/telemetry"
	"github.com/ManuGH/webtuner/internal/version"
)

const serviceName = "webtuner"

// Options controls bootstrapping.
type Options struct {
	// ConfigPath is the YAML config file. Empty means defaults plus ENV.
	ConfigPath string

	// Output receives the console log stream (defaults to stdout).
	Output io.Writer

	// SkipStartupChecks disables pre-flight validation (tests).
	SkipStartupChecks bool
}

// Daemon is a fully wired webtuner instance.
type Daemon struct {
	Config  *config.Holder
	Streams *lifecycle.Manager
	Status  *status.Emitter
	Clients *clients.Tracker
	Health  *health.Manager
	Handler *api.Server
	Manager Manager
	App     *App

	logger zerolog.Logger
}

// Bootstrap loads configuration and wires every component. Nothing listens
// or runs until App.Run is called.
func Bootstrap(ctx context.Context, opts Options) (*Daemon, error) {
	loader := config.NewLoader(opts.ConfigPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Output:  out,
		Service: serviceName,
		Version: version.Version,
		File:    cfg.LogFile,
	})
	logger := log.WithComponent("daemon")

	logger.Info().
		Str("version", version.String()).
		Str("config", loader.Path()).
		Str("listen", cfg.Listen).
		Int("channels", len(cfg.Channels)).
		Msg("bootstrapping webtuner")

	var hooks []namedHook
	hook := func(name string, fn ShutdownHook) {
		hooks = append(hooks, namedHook{name: name, hook: fn})
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry initialization failed, continuing without tracing")
	} else {
		hook("telemetry", tp.Shutdown)
	}
	tracingService := ""
	if tp.Enabled() {
		tracingService = serviceName
	}

	holder := config.NewHolder(cfg, loader)
	hook("config", func(context.Context) error {
		holder.Stop()
		return nil
	})

	reg := registry.New()
	tracker := clients.NewTracker(reg, clients.WithTTL(cfg.Streams.ClientTTL))
	cancels := streamctx.NewRegistry(cfg.Browser.CallTimeout)

	resolver := supervisor.NewResolver(cfg.FFmpeg.Path)
	sup := supervisor.New(supervisor.Config{KillGrace: cfg.FFmpeg.KillGrace}, resolver)

	browser := cdp.New(cdp.Config{
		Endpoint:      cfg.Browser.DevToolsURL,
		CallTimeout:   cfg.Browser.CallTimeout,
		SelectRetries: cfg.Browser.SelectRetries,
		RetryBackoff:  time.Second,
	}, cancels)
	hook("browser", func(context.Context) error { return browser.Close() })

	emitterCfg := status.DefaultConfig()
	emitterCfg.Interval = cfg.Health.SampleInterval
	emitterCfg.StaleAfter = cfg.Health.StaleAfter
	emitterCfg.Settle = cfg.Health.SettlePeriod
	emitterCfg.IdleGrace = cfg.Streams.IdleGrace
	emitterCfg.MaxTier = cfg.Health.MaxTier
	emitterCfg.CapacityWarn = cfg.Health.CapacityWarn
	emitter := status.NewEmitter(emitterCfg)
	hook("status", func(context.Context) error {
		emitter.Close()
		return nil
	})

	var streams *lifecycle.Manager
	hm := health.NewManager(version.Version,
		health.WithCheckTimeout(cfg.Browser.CallTimeout),
		health.WithDetails(func() map[string]any {
			return map[string]any{
				"streams":     len(streams.Streams()),
				"max_streams": cfg.Streams.MaxConcurrent,
				"clients":     tracker.Total(),
			}
		}),
	)
	browserCheck := health.NewBrowserChecker(browser)
	ffmpegCheck := health.NewFFmpegChecker(resolver)
	hm.RegisterChecker(browserCheck)
	hm.RegisterChecker(ffmpegCheck)

	if cfg.Redis.Addr != "" {
		mirror, err := status.NewRedisMirror(status.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, log.WithComponent("status"))
		if err != nil {
			// the mirror is optional; the daemon serves without it
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("status mirror disabled")
		} else {
			detach := mirror.Attach(emitter)
			hm.RegisterChecker(health.NewFuncChecker("redis", mirror.HealthCheck))
			hook("redis", func(context.Context) error {
				detach()
				return mirror.Close()
			})
		}
	}

	streams = lifecycle.New(lifecycle.Config{
		MaxStreams:     cfg.Streams.MaxConcurrent,
		AcquireTimeout: cfg.Browser.AcquireTimeout,
		AcquireRate:    cfg.Streams.AcquireRate,
		AcquireBurst:   cfg.Streams.AcquireBurst,
		IdleGrace:      cfg.Streams.IdleGrace,
		SegmentWindow:  cfg.Streams.SegmentWindow,
		AudioBitrate:   cfg.FFmpeg.AudioBitrate,
		InputFormat:    cfg.FFmpeg.InputFormat,
	}, lifecycle.Deps{
		Registry: reg,
		Clients:  tracker,
		Cancel:   cancels,
		Emitter:  emitter,
		Acquirer: browser,
		Spawner:  lifecycle.FromSupervisor(sup),
		Profile:  profileResolver(holder),
		Checks: lifecycle.SystemChecks{
			Browser: health.Probe(browserCheck),
			FFmpeg:  health.Probe(ffmpegCheck),
		},
	})

	if !opts.SkipStartupChecks {
		if err := health.PerformStartupChecks(ctx, cfg, hm.Checkers()...); err != nil {
			return nil, err
		}
	}

	var tuner *hdhr.Server
	if cfg.HDHR.Enabled {
		tuner = hdhr.NewServer(hdhr.ConfigFrom(cfg, log.WithComponent("hdhr")), holder.Channels)
	}

	handler := api.New(api.Deps{
		Streams:      streams,
		Channels:     holder,
		Status:       emitter,
		Clients:      tracker,
		Health:       hm,
		HDHR:         tuner,
		StartTimeout: cfg.Streams.StartTimeout,
		BaseURL:      cfg.BaseURL,
		Stack: middleware.StackConfig{
			EnableMetrics:     true,
			TracingService:    tracingService,
			EnableLogging:     true,
			EnableRateLimit:   cfg.RateLimit.Enabled,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		},
	})

	shutdownTimeout := DefaultServerConfig(cfg.Listen).ShutdownTimeout
	mgr, err := NewManager(DefaultServerConfig(cfg.Listen), Deps{
		Logger:     log.WithComponent("daemon"),
		APIHandler: handler.Handler(),
		// ends held responses so the server drain does not wait on them
		OnShutdown: func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			streams.Shutdown(sctx)
		},
	})
	if err != nil {
		return nil, err
	}
	for _, h := range hooks {
		mgr.RegisterShutdownHook(h.name, h.hook)
	}

	return &Daemon{
		Config:  holder,
		Streams: streams,
		Status:  emitter,
		Clients: tracker,
		Health:  hm,
		Handler: handler,
		Manager: mgr,
		App:     NewApp(logger, mgr, holder, streams, emitter),
		logger:  logger,
	}, nil
}

// profileResolver reads the profile from the current configuration so
// reloaded profiles apply to the next acquisition.
func profileResolver(holder *config.Holder) func(string) capture.Profile {
	return func(channelKey string) capture.Profile {
		cfg := holder.Get()
		ch, _ := cfg.Channel(channelKey)
		name := ch.Profile
		if name == "" {
			name = "default"
		}
		p := cfg.ProfileFor(ch)
		return capture.Profile{
			Name:      name,
			Selector:  p.Selector,
			Script:    p.Script,
			MimeType:  p.MimeType,
			TimeSlice: p.TimeSlice,
			Retries:   p.Retries,
		}
	}
}

// Run starts the daemon and blocks until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().Msg("starting webtuner")
	defer func() { _ = log.Close() }()
	return d.App.Run(ctx)
}

// WaitForShutdown waits for interrupt/termination signals.
func WaitForShutdown() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
