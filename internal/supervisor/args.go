// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"fmt"
)

// Kind selects a fixed argument template.
type Kind string

const (
	// KindFMP4 remuxes the captured container into fragmented MP4, re-encoding audio to AAC.
	KindFMP4 Kind = "fmp4"
	// KindMPEGTS remuxes fragmented MP4 into a continuous MPEG transport stream.
	KindMPEGTS Kind = "mpegts"
)

// Params are the per-invocation values of a template.
type Params struct {
	StreamID     int64
	AudioBitrate string // e.g. "128k"
	Comment      string // stored as container metadata
	InputFormat  string // demuxer for stdin, e.g. "webm"
}

func buildArgs(kind Kind, p Params) ([]string, error) {
	common := []string{"-hide_banner", "-nostdin", "-loglevel", "warning"}

	switch kind {
	case KindFMP4:
		input := p.InputFormat
		if input == "" {
			input = "webm"
		}
		bitrate := p.AudioBitrate
		if bitrate == "" {
			bitrate = "128k"
		}
		args := append(common,
			"-fflags", "+genpts+nobuffer",
			"-f", input,
			"-i", "pipe:0",
			"-map", "0:v:0", "-map", "0:a:0?",
			"-c:v", "copy",
			"-c:a", "aac", "-b:a", bitrate, "-ac", "2",
		)
		if p.Comment != "" {
			args = append(args, "-metadata", "comment="+p.Comment)
		}
		return append(args,
			"-movflags", "frag_keyframe+empty_moov+default_base_moof",
			"-f", "mp4",
			"pipe:1",
		), nil

	case KindMPEGTS:
		args := append(common,
			"-f", "mp4",
			"-i", "pipe:0",
			"-map", "0",
			"-c", "copy",
			"-bsf:v", "h264_mp4toannexb",
		)
		if p.Comment != "" {
			args = append(args, "-metadata", "service_name="+p.Comment)
		}
		return append(args,
			"-mpegts_flags", "resend_headers",
			"-f", "mpegts",
			"pipe:1",
		), nil
	}
	return nil, fmt.Errorf("unknown process kind %q", kind)
}
