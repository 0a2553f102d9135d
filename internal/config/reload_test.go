// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHolder(t *testing.T, body string) (*Holder, string) {
	t.Helper()
	path := writeConfig(t, body)
	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	return NewHolder(cfg, loader), path
}

func TestHolder_ReloadSwapsAndNotifies(t *testing.T) {
	h, path := newHolder(t, sampleYAML)
	require.Len(t, h.Channels(), 2)

	updates := make(chan Config, 1)
	h.RegisterListener(updates)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+`  - key: arte
    number: "103"
    url: https://example.com/arte
`), 0o600))
	require.NoError(t, h.Reload(context.Background()))

	assert.Len(t, h.Channels(), 3)
	_, ok := h.Channel("arte")
	assert.True(t, ok)

	select {
	case cfg := <-updates:
		assert.Len(t, cfg.Channels, 3)
	default:
		t.Fatal("listener was not notified")
	}
}

func TestHolder_InvalidReloadKeepsCurrent(t *testing.T) {
	h, path := newHolder(t, sampleYAML)

	require.NoError(t, os.WriteFile(path, []byte("streams:\n  maxConcurrent: 0\n"), 0o600))
	err := h.Reload(context.Background())
	require.ErrorIs(t, err, ErrInvalid)

	assert.Equal(t, 2, h.Get().Streams.MaxConcurrent)
	assert.Len(t, h.Channels(), 2)
}

func TestHolder_WatcherReloadsOnWrite(t *testing.T) {
	h, path := newHolder(t, sampleYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.StartWatcher(ctx))
	defer h.Stop()

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, `":9000"`, `":9100"`, 1)), 0o600))

	assert.Eventually(t, func() bool {
		return h.Get().Listen == ":9100"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHolder_WatcherDisabledWithoutFile(t *testing.T) {
	h := NewHolder(Defaults(), NewLoader(""))
	assert.NoError(t, h.StartWatcher(context.Background()))
}
