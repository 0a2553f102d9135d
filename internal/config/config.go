// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads webtuner configuration from YAML and the environment.
// Precedence is ENV > file > defaults.
package config

import (
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	BaseURL  string `yaml:"baseUrl"`
	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`

	Browser   BrowserConfig      `yaml:"browser"`
	FFmpeg    FFmpegConfig       `yaml:"ffmpeg"`
	Streams   StreamsConfig      `yaml:"streams"`
	Health    HealthConfig       `yaml:"health"`
	RateLimit RateLimitConfig    `yaml:"rateLimit"`
	Redis     RedisConfig        `yaml:"redis"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	HDHR      HDHRConfig         `yaml:"hdhr"`
	Profiles  map[string]Profile `yaml:"profiles"`
	Channels  []Channel          `yaml:"channels"`
}

// BrowserConfig points at a Chrome instance with remote debugging enabled.
type BrowserConfig struct {
	DevToolsURL    string        `yaml:"devtoolsUrl"`
	CallTimeout    time.Duration `yaml:"callTimeout"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	SelectRetries  int           `yaml:"selectRetries"`
}

// FFmpegConfig controls the remux subprocesses.
type FFmpegConfig struct {
	Path         string        `yaml:"path"`
	AudioBitrate string        `yaml:"audioBitrate"`
	InputFormat  string        `yaml:"inputFormat"`
	KillGrace    time.Duration `yaml:"killGrace"`
}

// StreamsConfig bounds concurrency and consumer tracking.
type StreamsConfig struct {
	MaxConcurrent int           `yaml:"maxConcurrent"`
	ClientTTL     time.Duration `yaml:"clientTtl"`
	IdleGrace     time.Duration `yaml:"idleGrace"`
	SegmentWindow int           `yaml:"segmentWindow"`
	StartTimeout  time.Duration `yaml:"startTimeout"`
	AcquireRate   float64       `yaml:"acquireRate"`
	AcquireBurst  int           `yaml:"acquireBurst"`
}

// HealthConfig tunes sampling and recovery escalation.
type HealthConfig struct {
	SampleInterval time.Duration `yaml:"sampleInterval"`
	StaleAfter     time.Duration `yaml:"staleAfter"`
	SettlePeriod   time.Duration `yaml:"settlePeriod"`
	MaxTier        int           `yaml:"maxTier"`
	CapacityWarn   float64       `yaml:"capacityWarn"`
}

// RateLimitConfig limits inbound HTTP requests per client IP.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requestsPerMinute"`
}

// RedisConfig enables the status mirror when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

// HDHRConfig controls HDHomeRun tuner emulation.
type HDHRConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DeviceID     string `yaml:"deviceId"`
	FriendlyName string `yaml:"friendlyName"`
}

// Profile describes how to start playback on a family of pages.
// Selector is clicked if present; Script, when set, replaces the built-in start logic
// and must evaluate to a promise resolving truthy once playback runs.
type Profile struct {
	Selector  string        `yaml:"selector"`
	Script    string        `yaml:"script"`
	MimeType  string        `yaml:"mimeType"`
	TimeSlice time.Duration `yaml:"timeSlice"`

	// Retries overrides browser.selectRetries for this profile.
	Retries int `yaml:"retries"`
}

// Channel maps a stable key to a source page.
type Channel struct {
	Key     string `yaml:"key"`
	Name    string `yaml:"name"`
	Number  string `yaml:"number"`
	URL     string `yaml:"url"`
	Profile string `yaml:"profile"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listen:   ":8089",
		LogLevel: "info",
		Browser: BrowserConfig{
			DevToolsURL:    "http://127.0.0.1:9222",
			CallTimeout:    15 * time.Second,
			AcquireTimeout: 60 * time.Second,
			SelectRetries:  3,
		},
		FFmpeg: FFmpegConfig{
			AudioBitrate: "128k",
			InputFormat:  "webm",
			KillGrace:    3 * time.Second,
		},
		Streams: StreamsConfig{
			MaxConcurrent: 4,
			ClientTTL:     30 * time.Second,
			IdleGrace:     60 * time.Second,
			SegmentWindow: 6,
			StartTimeout:  30 * time.Second,
			AcquireRate:   0.5,
			AcquireBurst:  2,
		},
		Health: HealthConfig{
			SampleInterval: 2 * time.Second,
			StaleAfter:     10 * time.Second,
			SettlePeriod:   15 * time.Second,
			MaxTier:        3,
			CapacityWarn:   0.9,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 600,
		},
		Redis: RedisConfig{
			Channel: "webtuner:status",
		},
		Telemetry: TelemetryConfig{
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "production",
		},
		HDHR: HDHRConfig{
			Enabled:      true,
			DeviceID:     "WEBTUNR1",
			FriendlyName: "webtuner",
		},
		Profiles: map[string]Profile{
			"default": {
				MimeType:  "video/webm;codecs=h264,opus",
				TimeSlice: time.Second,
			},
		},
	}
}

// Channel returns the channel with the given key.
func (c Config) Channel(key string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Key == key {
			return ch, true
		}
	}
	return Channel{}, false
}

// ChannelByNumber resolves HDHomeRun guide numbers.
func (c Config) ChannelByNumber(number string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Number == number {
			return ch, true
		}
	}
	return Channel{}, false
}

// ProfileFor returns the capture profile for a channel, falling back to "default".
func (c Config) ProfileFor(ch Channel) Profile {
	name := ch.Profile
	if name == "" {
		name = "default"
	}
	p, ok := c.Profiles[name]
	if !ok {
		p = c.Profiles["default"]
	}
	if p.MimeType == "" {
		p.MimeType = "video/webm;codecs=h264,opus"
	}
	if p.TimeSlice <= 0 {
		p.TimeSlice = time.Second
	}
	return p
}
