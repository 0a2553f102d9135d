// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoisy(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"frame=  250 fps= 25 q=-1.0 size=    2048kB time=00:00:10.00 bitrate=1677.7kbits/s speed=   1x", true},
		{"size=    1024kB time=00:00:04.00 bitrate=2097.2kbits/s", true},
		{"    Last message repeated 3 times", true},
		{"[mp4 @ 0x55] Non-monotonous DTS in output stream 0:1; previous: 1, current: 0", true},
		{"", true},
		{"pipe:0: Invalid data found when processing input", false},
		{"[aac @ 0x55] Too many bits per frame requested", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, noisy(tt.line), tt.line)
	}
}

func TestLineRing(t *testing.T) {
	r := NewLineRing(3)
	assert.Empty(t, r.LastN(5))

	r.Add("a")
	r.Add("")
	r.Add("b")
	assert.Equal(t, []string{"a", "b"}, r.LastN(5))

	r.Add("c")
	r.Add("d")
	assert.Equal(t, []string{"b", "c", "d"}, r.LastN(5))
	assert.Equal(t, []string{"c", "d"}, r.LastN(2))
}

func TestBuildArgs(t *testing.T) {
	args, err := buildArgs(KindFMP4, Params{AudioBitrate: "96k", Comment: "cnn", InputFormat: "matroska"})
	require.NoError(t, err)
	assert.Contains(t, args, "96k")
	assert.Contains(t, args, "comment=cnn")
	assert.Contains(t, args, "matroska")
	assert.Equal(t, "pipe:1", args[len(args)-1])

	args, err = buildArgs(KindMPEGTS, Params{})
	require.NoError(t, err)
	assert.Contains(t, args, "mpegts")

	_, err = buildArgs(Kind("flv"), Params{})
	require.Error(t, err)
}

func TestExitErrorMessage(t *testing.T) {
	e := &ExitError{Kind: KindFMP4, Code: 1, Stderr: []string{"first", "last"}}
	assert.Equal(t, "fmp4 process exited with code 1: last", e.Error())

	e = &ExitError{Kind: KindMPEGTS, Code: -1, Signal: "killed"}
	assert.Equal(t, "mpegts process killed by killed", e.Error())
}
