// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks cross-field constraints. All problems are reported at once.
func Validate(cfg Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Listen == "" {
		add("listen address is required")
	}
	if u, err := url.Parse(cfg.Browser.DevToolsURL); err != nil || u.Host == "" {
		add("browser.devtoolsUrl %q is not a valid URL", cfg.Browser.DevToolsURL)
	}
	if cfg.Browser.CallTimeout <= 0 {
		add("browser.callTimeout must be positive")
	}
	if cfg.Streams.MaxConcurrent < 1 {
		add("streams.maxConcurrent must be at least 1")
	}
	if cfg.Streams.ClientTTL <= 0 {
		add("streams.clientTtl must be positive")
	}
	if cfg.Streams.SegmentWindow < 2 {
		add("streams.segmentWindow must be at least 2")
	}
	if cfg.Health.SampleInterval <= 0 {
		add("health.sampleInterval must be positive")
	}
	if cfg.Health.MaxTier < 2 {
		add("health.maxTier must be at least 2")
	}
	switch cfg.Telemetry.ExporterType {
	case "grpc", "http":
	default:
		if cfg.Telemetry.Enabled {
			add("telemetry.exporter %q unsupported (grpc, http)", cfg.Telemetry.ExporterType)
		}
	}

	keys := make(map[string]struct{}, len(cfg.Channels))
	numbers := make(map[string]struct{}, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		if strings.TrimSpace(ch.Key) == "" {
			add("channels[%d]: key is required", i)
			continue
		}
		if strings.ContainsAny(ch.Key, "/?#") {
			add("channels[%d]: key %q must not contain '/', '?' or '#'", i, ch.Key)
		}
		if _, dup := keys[ch.Key]; dup {
			add("channels[%d]: duplicate key %q", i, ch.Key)
		}
		keys[ch.Key] = struct{}{}
		if ch.Number != "" {
			if _, dup := numbers[ch.Number]; dup {
				add("channels[%d]: duplicate number %q", i, ch.Number)
			}
			numbers[ch.Number] = struct{}{}
		}
		if u, err := url.Parse(ch.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("channels[%d]: url %q must be http(s)", i, ch.URL)
		}
		if ch.Profile != "" {
			if _, ok := cfg.Profiles[ch.Profile]; !ok {
				add("channels[%d]: unknown profile %q", i, ch.Profile)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
