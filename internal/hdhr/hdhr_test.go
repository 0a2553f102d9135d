// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hdhr

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/webtuner/internal/config"
	"github.com/ManuGH/webtuner/internal/version"
)

func testLineup() []config.Channel {
	return []config.Channel{
		{Key: "cnn", Name: "CNN", Number: "2", URL: "https://example.com/cnn"},
		{Key: "news one", URL: "https://example.com/one"},
	}
}

func TestNewServer(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name     string
		config   Config
		expected Config
	}{
		{
			name:   "default values",
			config: Config{Logger: logger},
			expected: Config{
				DeviceID:     "WEBTUNR1",
				FriendlyName: "webtuner",
				ModelName:    "HDHR-webtuner",
				FirmwareName: "webtuner-" + version.Version,
				TunerCount:   4,
				Logger:       logger,
			},
		},
		{
			name: "custom values",
			config: Config{
				DeviceID:     "CUSTOM123",
				FriendlyName: "Living Room",
				ModelName:    "HDHR-custom",
				FirmwareName: "custom-2.0.0",
				TunerCount:   8,
				Logger:       logger,
			},
			expected: Config{
				DeviceID:     "CUSTOM123",
				FriendlyName: "Living Room",
				ModelName:    "HDHR-custom",
				FirmwareName: "custom-2.0.0",
				TunerCount:   8,
				Logger:       logger,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(tt.config, nil)
			assert.Equal(t, tt.expected, server.config)
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Defaults()
	cfg.BaseURL = "http://tuner.lan:8089"
	cfg.Streams.MaxConcurrent = 3

	got := ConfigFrom(cfg, zerolog.Nop())
	assert.Equal(t, 3, got.TunerCount)
	assert.Equal(t, "http://tuner.lan:8089", got.BaseURL)
	assert.Equal(t, cfg.HDHR.DeviceID, got.DeviceID)
}

func TestHandleDiscover(t *testing.T) {
	tests := []struct {
		name       string
		baseURL    string
		requestURL string
		https      bool
		wantBase   string
	}{
		{name: "from request", requestURL: "http://localhost:8089/discover.json", wantBase: "http://localhost:8089"},
		{name: "from tls request", requestURL: "https://tuner.lan/discover.json", https: true, wantBase: "https://tuner.lan"},
		{name: "configured", baseURL: "http://192.168.1.100:8089", requestURL: "http://example.com/discover.json", wantBase: "http://192.168.1.100:8089"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(Config{BaseURL: tt.baseURL, TunerCount: 2, Logger: zerolog.Nop()}, nil)
			req := httptest.NewRequest(http.MethodGet, tt.requestURL, nil)
			if tt.https {
				req.TLS = &tls.ConnectionState{}
			}
			w := httptest.NewRecorder()

			server.HandleDiscover(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp DiscoverResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantBase, resp.BaseURL)
			assert.Equal(t, tt.wantBase+"/lineup.json", resp.LineupURL)
			assert.Equal(t, 2, resp.TunerCount)
			assert.Equal(t, "WEBTUNR1", resp.DeviceID)
		})
	}
}

func TestHandleLineupStatus(t *testing.T) {
	server := NewServer(Config{Logger: zerolog.Nop()}, nil)
	w := httptest.NewRecorder()
	server.HandleLineupStatus(w, httptest.NewRequest(http.MethodGet, "/lineup_status.json", nil))

	var resp LineupStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 0, resp.ScanInProgress)
	assert.Equal(t, 1, resp.ScanPossible)
	assert.NotEmpty(t, resp.SourceList)
}

func TestHandleLineup(t *testing.T) {
	server := NewServer(Config{BaseURL: "http://tuner.lan:8089", Logger: zerolog.Nop()}, testLineup)
	w := httptest.NewRecorder()
	server.HandleLineup(w, httptest.NewRequest(http.MethodGet, "/lineup.json", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var lineup []LineupEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&lineup))
	assert.Equal(t, []LineupEntry{
		{GuideNumber: "2", GuideName: "CNN", URL: "http://tuner.lan:8089/auto/v2"},
		{GuideNumber: "news one", GuideName: "news one", URL: "http://tuner.lan:8089/streams/news%20one/stream.ts"},
	}, lineup)
}

func TestHandleLineup_Empty(t *testing.T) {
	server := NewServer(Config{Logger: zerolog.Nop()}, nil)
	w := httptest.NewRecorder()
	server.HandleLineup(w, httptest.NewRequest(http.MethodGet, "/lineup.json", nil))
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestHandleLineupPost(t *testing.T) {
	server := NewServer(Config{Logger: zerolog.Nop()}, nil)
	for _, target := range []string{"/lineup.json?scan=start", "/lineup.json?scan=abort", "/lineup.json"} {
		w := httptest.NewRecorder()
		server.HandleLineupPost(w, httptest.NewRequest(http.MethodPost, target, nil))
		assert.Equal(t, http.StatusNoContent, w.Code, target)
	}
}

func TestHandleDeviceXML(t *testing.T) {
	cfg := Config{
		DeviceID:     "XML123",
		FriendlyName: "XML Test",
		ModelName:    "HDHR-xml",
		Logger:       zerolog.Nop(),
	}

	tests := []struct {
		name       string
		baseURL    string
		requestURL string
		want       string
	}{
		{name: "http request", requestURL: "http://localhost:8089/device.xml", want: "localhost:8089"},
		{name: "custom base URL", baseURL: "http://192.168.1.100:8089", requestURL: "http://example.com/device.xml", want: "http://192.168.1.100:8089"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			c.BaseURL = tt.baseURL
			server := NewServer(c, nil)
			w := httptest.NewRecorder()

			server.HandleDeviceXML(w, httptest.NewRequest(http.MethodGet, tt.requestURL, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "application/xml; charset=utf-8", w.Header().Get("Content-Type"))
			body := w.Body.String()
			assert.Contains(t, body, `<?xml version="1.0" encoding="UTF-8"?>`)
			assert.Contains(t, body, "XML Test")
			assert.Contains(t, body, "HDHR-xml")
			assert.Contains(t, body, "uuid:XML123")
			assert.Contains(t, body, tt.want)
		})
	}
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "http://h/auto/v7", StreamURL("http://h", config.Channel{Key: "x", Number: "7"}))
	assert.Equal(t, "http://h/streams/x/stream.ts", StreamURL("http://h", config.Channel{Key: "x"}))
}

func BenchmarkHandleDiscover(b *testing.B) {
	server := NewServer(Config{Logger: zerolog.Nop()}, nil)
	req := httptest.NewRequest(http.MethodGet, "/discover.json", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		server.HandleDiscover(httptest.NewRecorder(), req)
	}
}
