// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/webtuner/internal/config"
)

const testYAML = `
listen: "127.0.0.1:0"
browser:
  devtoolsUrl: "http://127.0.0.1:1"
ffmpeg:
  path: /nonexistent/ffmpeg
hdhr:
  enabled: true
  deviceId: "ABCD1234"
profiles:
  default:
    selector: "button.play"
  news:
    selector: ".live"
    retries: 5
channels:
  - key: cnn
    name: CNN
    number: "2"
    url: https://example.com/cnn
    profile: news
  - key: bbc
    name: BBC
    number: "3"
    url: https://example.com/bbc
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))
	return path
}

func TestBootstrap_WiresRoutes(t *testing.T) {
	d, err := Bootstrap(context.Background(), Options{
		ConfigPath:        writeTestConfig(t),
		Output:            io.Discard,
		SkipStartupChecks: true,
	})
	require.NoError(t, err)
	t.Cleanup(d.Status.Close)

	srv := httptest.NewServer(d.Handler.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/api/channels", "/api/status", "/discover.json", "/lineup.json"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	assert.Len(t, d.Config.Channels(), 2)
	assert.Empty(t, d.Streams.Streams())
	assert.Len(t, d.Health.Checkers(), 2)
}

func TestBootstrap_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streams:\n  maxConcurrent: 0\n"), 0o600))

	_, err := Bootstrap(context.Background(), Options{ConfigPath: path, Output: io.Discard})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestBootstrap_UnreachableRedisIsOptional(t *testing.T) {
	t.Setenv(config.EnvPrefix+"REDIS_ADDR", "127.0.0.1:1")

	d, err := Bootstrap(context.Background(), Options{
		ConfigPath:        writeTestConfig(t),
		Output:            io.Discard,
		SkipStartupChecks: true,
	})
	require.NoError(t, err)
	t.Cleanup(d.Status.Close)
	assert.Len(t, d.Health.Checkers(), 2, "no redis checker without a mirror")
}

func TestProfileResolver(t *testing.T) {
	cfg, err := config.NewLoader(writeTestConfig(t)).Load()
	require.NoError(t, err)
	resolve := profileResolver(config.NewHolder(cfg, nil))

	news := resolve("cnn")
	assert.Equal(t, "news", news.Name)
	assert.Equal(t, ".live", news.Selector)
	assert.Equal(t, 5, news.Retries)
	assert.Equal(t, time.Second, news.TimeSlice)

	def := resolve("bbc")
	assert.Equal(t, "default", def.Name)
	assert.Equal(t, "button.play", def.Selector)
	assert.NotEmpty(t, def.MimeType)
}

func TestDaemon_RunStops(t *testing.T) {
	d, err := Bootstrap(context.Background(), Options{
		ConfigPath:        writeTestConfig(t),
		Output:            io.Discard,
		SkipStartupChecks: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- d.Run(ctx) }()
	boundAddr(t, d.Manager)

	cancel()
	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
