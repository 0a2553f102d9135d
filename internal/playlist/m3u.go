// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package playlist renders the channel lineup as an M3U playlist for IPTV players.
package playlist

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/webtuner/internal/config"
)

// Format selects which stream endpoint the playlist entries point at.
type Format string

const (
	// FormatTS points entries at the continuous transport stream.
	FormatTS Format = "ts"
	// FormatHLS points entries at the HLS media playlist.
	FormatHLS Format = "hls"
)

// ParseFormat maps a query or flag value to a Format. Empty means TS.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatTS:
		return FormatTS, nil
	case FormatHLS:
		return FormatHLS, nil
	default:
		return "", fmt.Errorf("unsupported playlist format %q (ts, hls)", s)
	}
}

type Item struct {
	Name    string
	TvgID   string
	TvgChNo string
	Group   string
	URL     string
}

// Items builds one entry per channel. base is the externally reachable
// server URL without a trailing slash.
func Items(base string, channels []config.Channel, format Format) []Item {
	base = strings.TrimRight(base, "/")
	items := make([]Item, 0, len(channels))
	for _, ch := range channels {
		name := ch.Name
		if name == "" {
			name = ch.Key
		}
		path := "/streams/" + url.PathEscape(ch.Key) + "/stream.ts"
		if format == FormatHLS {
			path = "/streams/" + url.PathEscape(ch.Key) + "/playlist.m3u8"
		}
		items = append(items, Item{
			Name:    name,
			TvgID:   ch.Key,
			TvgChNo: ch.Number,
			Group:   "webtuner",
			URL:     base + path,
		})
	}
	return items
}

func WriteM3U(w io.Writer, items []Item) error {
	buf := &bytes.Buffer{}
	buf.WriteString("#EXTM3U\n")
	for _, it := range items {
		fmt.Fprintf(buf,
			`#EXTINF:-1 tvg-chno="%s" tvg-id="%s" tvg-name="%s" group-title="%s",%s`+"\n",
			attr(it.TvgChNo), attr(it.TvgID), attr(it.Name), attr(it.Group), line(it.Name),
		)
		buf.WriteString(line(it.URL) + "\n")
	}
	_, err := io.Copy(w, buf)
	return err
}

// WriteFile atomically replaces path with the rendered playlist.
func WriteFile(path string, items []Item) error {
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending playlist file: %w", err)
	}
	// no-op once committed
	defer func() { _ = pending.Cleanup() }()

	if err := WriteM3U(pending, items); err != nil {
		return fmt.Errorf("write playlist data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace playlist file: %w", err)
	}
	return nil
}

// attr keeps values from breaking out of a quoted EXTINF attribute.
func attr(s string) string {
	return strings.ReplaceAll(line(s), `"`, "'")
}

func line(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
