// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/webtuner/internal/log"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "WEBTUNER_"

// parseEnv reads key from the environment, falling back to def when unset, empty
// or unparsable. The chosen source is logged for observability; values of
// sensitive keys are never logged.
func parseEnv[T any](key string, def T, parse func(string) (T, error)) T {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().
			Str("key", key).
			Interface("default", redact(key, def)).
			Str("source", "default").
			Msg("using default value")
		return def
	}
	parsed, err := parse(v)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Interface("value", redact(key, v)).
			Interface("default", redact(key, def)).
			Err(err).
			Msg("invalid value in environment variable, using default")
		return def
	}
	logger.Debug().
		Str("key", key).
		Interface("value", redact(key, parsed)).
		Str("source", "environment").
		Msg("using environment variable")
	return parsed
}

func redact(key string, v any) any {
	lower := strings.ToLower(key)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") {
		return "***"
	}
	return v
}

// ParseString reads a string from environment variable or returns default value.
func ParseString(key, defaultValue string) string {
	return parseEnv(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// ParseInt reads an integer from environment variable or returns default value.
func ParseInt(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, strconv.Atoi)
}

// ParseFloat reads a float64 from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	return parseEnv(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseDuration reads a duration in Go format (e.g. "5s") or returns default value.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, time.ParseDuration)
}

// ParseBool accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", s)
	})
}

// applyEnv overlays WEBTUNER_* variables onto cfg.
func applyEnv(cfg *Config) {
	e := func(name string) string { return EnvPrefix + name }

	cfg.Listen = ParseString(e("LISTEN"), cfg.Listen)
	cfg.BaseURL = ParseString(e("BASE_URL"), cfg.BaseURL)
	cfg.LogLevel = ParseString(e("LOG_LEVEL"), cfg.LogLevel)
	cfg.LogFile = ParseString(e("LOG_FILE"), cfg.LogFile)

	cfg.Browser.DevToolsURL = ParseString(e("DEVTOOLS_URL"), cfg.Browser.DevToolsURL)
	cfg.Browser.CallTimeout = ParseDuration(e("CALL_TIMEOUT"), cfg.Browser.CallTimeout)
	cfg.Browser.AcquireTimeout = ParseDuration(e("ACQUIRE_TIMEOUT"), cfg.Browser.AcquireTimeout)
	cfg.Browser.SelectRetries = ParseInt(e("SELECT_RETRIES"), cfg.Browser.SelectRetries)

	cfg.FFmpeg.Path = ParseString(e("FFMPEG_PATH"), cfg.FFmpeg.Path)
	cfg.FFmpeg.AudioBitrate = ParseString(e("AUDIO_BITRATE"), cfg.FFmpeg.AudioBitrate)
	cfg.FFmpeg.InputFormat = ParseString(e("INPUT_FORMAT"), cfg.FFmpeg.InputFormat)
	cfg.FFmpeg.KillGrace = ParseDuration(e("KILL_GRACE"), cfg.FFmpeg.KillGrace)

	cfg.Streams.MaxConcurrent = ParseInt(e("MAX_STREAMS"), cfg.Streams.MaxConcurrent)
	cfg.Streams.ClientTTL = ParseDuration(e("CLIENT_TTL"), cfg.Streams.ClientTTL)
	cfg.Streams.IdleGrace = ParseDuration(e("IDLE_GRACE"), cfg.Streams.IdleGrace)
	cfg.Streams.SegmentWindow = ParseInt(e("SEGMENT_WINDOW"), cfg.Streams.SegmentWindow)
	cfg.Streams.StartTimeout = ParseDuration(e("START_TIMEOUT"), cfg.Streams.StartTimeout)
	cfg.Streams.AcquireRate = ParseFloat(e("ACQUIRE_RATE"), cfg.Streams.AcquireRate)
	cfg.Streams.AcquireBurst = ParseInt(e("ACQUIRE_BURST"), cfg.Streams.AcquireBurst)

	cfg.Health.SampleInterval = ParseDuration(e("SAMPLE_INTERVAL"), cfg.Health.SampleInterval)
	cfg.Health.StaleAfter = ParseDuration(e("STALE_AFTER"), cfg.Health.StaleAfter)
	cfg.Health.SettlePeriod = ParseDuration(e("SETTLE_PERIOD"), cfg.Health.SettlePeriod)
	cfg.Health.MaxTier = ParseInt(e("MAX_TIER"), cfg.Health.MaxTier)

	cfg.RateLimit.Enabled = ParseBool(e("RATELIMIT_ENABLED"), cfg.RateLimit.Enabled)
	cfg.RateLimit.RequestsPerMinute = ParseInt(e("RATELIMIT_RPM"), cfg.RateLimit.RequestsPerMinute)

	cfg.Redis.Addr = ParseString(e("REDIS_ADDR"), cfg.Redis.Addr)
	cfg.Redis.Password = ParseString(e("REDIS_PASSWORD"), cfg.Redis.Password)
	cfg.Redis.DB = ParseInt(e("REDIS_DB"), cfg.Redis.DB)
	cfg.Redis.Channel = ParseString(e("REDIS_CHANNEL"), cfg.Redis.Channel)

	cfg.Telemetry.Enabled = ParseBool(e("TELEMETRY_ENABLED"), cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString(e("TELEMETRY_EXPORTER"), cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString(e("TELEMETRY_ENDPOINT"), cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat(e("TELEMETRY_SAMPLING_RATE"), cfg.Telemetry.SamplingRate)

	cfg.HDHR.Enabled = ParseBool(e("HDHR_ENABLED"), cfg.HDHR.Enabled)
	cfg.HDHR.DeviceID = ParseString(e("HDHR_DEVICE_ID"), cfg.HDHR.DeviceID)
	cfg.HDHR.FriendlyName = ParseString(e("HDHR_FRIENDLY_NAME"), cfg.HDHR.FriendlyName)
}
