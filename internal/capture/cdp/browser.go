// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/webtuner/internal/capture"
	"github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/streamctx"
)

// Config configures the browser client.
type Config struct {
	Endpoint      string        // http://host:9222 or ws://... debugger URL
	CallTimeout   time.Duration // bound for every wrapped DevTools call
	SelectRetries int           // start-script attempts per acquisition
	RetryBackoff  time.Duration
}

// Browser is a capture.Acquirer backed by one Chrome instance.
type Browser struct {
	cfg Config
	reg *streamctx.Registry

	mu   sync.Mutex
	conn *Conn
	dial func(ctx context.Context, endpoint string) (*Conn, error)
}

var _ capture.Acquirer = (*Browser)(nil)

// New creates a Browser. reg supplies stream cancellation for wrapped calls.
func New(cfg Config, reg *streamctx.Registry) *Browser {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = streamctx.DefaultCallTimeout
	}
	if cfg.SelectRetries <= 0 {
		cfg.SelectRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Browser{cfg: cfg, reg: reg, dial: Dial}
}

// connection returns the shared websocket, redialing once it has dropped.
func (b *Browser) connection(ctx context.Context) (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && !b.conn.isClosed() {
		return b.conn, nil
	}
	conn, err := streamctx.Call(ctx, b.reg, b.cfg.CallTimeout, func(ctx context.Context) (*Conn, error) {
		return b.dial(ctx, b.cfg.Endpoint)
	})
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return conn, nil
}

// call sends one DevTools command bounded by the call timeout and the
// stream cancellation carried by ctx.
func (b *Browser) call(ctx context.Context, conn *Conn, sessionID, method string, params, out any) error {
	return streamctx.Do(ctx, b.reg, b.cfg.CallTimeout, func(ctx context.Context) error {
		return conn.Send(ctx, sessionID, method, params, out)
	})
}

// Ping checks that the browser answers.
func (b *Browser) Ping(ctx context.Context) error {
	conn, err := b.connection(ctx)
	if err != nil {
		return err
	}
	var v struct {
		Product string `json:"product"`
	}
	return b.call(ctx, conn, "", "Browser.getVersion", nil, &v)
}

// Acquire opens url in a fresh tab, starts playback and recording, and returns
// the tab as a capture handle. Nothing is left open on failure.
func (b *Browser) Acquire(ctx context.Context, url string, profile capture.Profile) (capture.Handle, error) {
	logger := streamctx.Logger(ctx, "cdp").With().Str(log.FieldURL, url).Logger()

	conn, err := b.connection(ctx)
	if err != nil {
		return nil, &capture.AcquireError{URL: url, Reason: "browser unavailable", Err: err}
	}

	var target struct {
		TargetID string `json:"targetId"`
	}
	if err := b.call(ctx, conn, "", "Target.createTarget", map[string]any{"url": "about:blank"}, &target); err != nil {
		return nil, &capture.AcquireError{URL: url, Reason: "create target", Err: err}
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := b.call(ctx, conn, "", "Target.attachToTarget", map[string]any{"targetId": target.TargetID, "flatten": true}, &attached); err != nil {
		b.closeTarget(conn, target.TargetID)
		return nil, &capture.AcquireError{URL: url, Reason: "attach target", Err: err}
	}

	s := newSession(b, conn, target.TargetID, attached.SessionID, profile)
	fail := func(reason string, err error) (capture.Handle, error) {
		_ = s.Close()
		return nil, &capture.AcquireError{URL: url, Reason: reason, Err: err}
	}

	for _, m := range []string{"Page.enable", "Runtime.enable"} {
		if err := b.call(ctx, conn, s.sessionID, m, nil, nil); err != nil {
			return fail("enable domains", err)
		}
	}
	if err := b.call(ctx, conn, s.sessionID, "Runtime.addBinding", map[string]any{"name": bindingName}, nil); err != nil {
		return fail("add binding", err)
	}

	var nav struct {
		ErrorText string `json:"errorText"`
	}
	if err := b.call(ctx, conn, s.sessionID, "Page.navigate", map[string]any{"url": url}, &nav); err != nil {
		return fail("navigate", err)
	}
	if nav.ErrorText != "" {
		return fail("navigate", errors.New(nav.ErrorText))
	}

	attempts := b.cfg.SelectRetries
	if profile.Retries > 0 {
		attempts = profile.Retries
	}
	err = streamctx.Retry(ctx, attempts, b.cfg.RetryBackoff, func(attempt int) error {
		err := s.start(ctx)
		if err != nil {
			logger.Debug().Int("attempt", attempt).Err(err).Msg("start playback failed")
		}
		return err
	})
	if err != nil {
		return fail("start playback", err)
	}

	logger.Info().Str(log.FieldCaptureID, s.ID()).Msg("capture acquired")
	return s, nil
}

// closeTarget is best effort and not tied to any stream: it runs during
// teardown, after the stream token has been cancelled.
func (b *Browser) closeTarget(conn *Conn, targetID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Send(ctx, "", "Target.closeTarget", map[string]any{"targetId": targetID}, nil); err != nil {
		logger := log.WithComponent("cdp")
		logger.Debug().Err(err).Str("target", targetID).Msg("close target failed")
	}
}

// Close drops the websocket. Open sessions observe it as a closed session.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// evalResult is the shape of Runtime.evaluate responses.
type evalResult struct {
	Result struct {
		Type  string `json:"type"`
		Value any    `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

func (r evalResult) err() error {
	if r.ExceptionDetails != nil {
		return fmt.Errorf("page script threw: %s", r.ExceptionDetails.Text)
	}
	return nil
}
