// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"time"
)

const checkTimeout = 3 * time.Second

// Pinger is a dependency that answers a cheap liveness call.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Resolver locates an executable. *supervisor.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// BrowserChecker reports whether the DevTools endpoint answers.
type BrowserChecker struct {
	browser Pinger
}

// NewBrowserChecker creates a checker for the capture browser.
func NewBrowserChecker(browser Pinger) *BrowserChecker {
	return &BrowserChecker{browser: browser}
}

func (c *BrowserChecker) Name() string { return "browser" }

func (c *BrowserChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := c.browser.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: "devtools endpoint unreachable",
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "devtools endpoint reachable"}
}

// FFmpegChecker reports whether a working ffmpeg binary was found.
type FFmpegChecker struct {
	resolver Resolver
}

// NewFFmpegChecker creates a checker for the remux binary.
func NewFFmpegChecker(resolver Resolver) *FFmpegChecker {
	return &FFmpegChecker{resolver: resolver}
}

func (c *FFmpegChecker) Name() string { return "ffmpeg" }

func (c *FFmpegChecker) Check(ctx context.Context) CheckResult {
	path, err := c.resolver.Resolve(ctx)
	if err != nil {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: path}
}

// Probe adapts a checker to a plain error-returning function.
func Probe(c Checker) func(context.Context) error {
	return func(ctx context.Context) error {
		res := c.Check(ctx)
		if res.Status == StatusUnhealthy {
			return &CheckError{Name: c.Name(), Result: res}
		}
		return nil
	}
}

// CheckError is an unhealthy check result.
type CheckError struct {
	Name   string
	Result CheckResult
}

func (e *CheckError) Error() string {
	if e.Result.Error != "" {
		return e.Name + ": " + e.Result.Error
	}
	return e.Name + ": " + e.Result.Message
}

// FuncChecker wraps a plain probe function, e.g. an optional status mirror.
type FuncChecker struct {
	name  string
	probe func(context.Context) error
}

// NewFuncChecker creates a checker named name that runs probe.
func NewFuncChecker(name string, probe func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, probe: probe}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := c.probe(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}
