// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package segment

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
)

// ErrNoProgram is returned when a transport stream ends before its PMT.
var ErrNoProgram = errors.New("no program map table in transport stream")

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	PID        uint16 `json:"pid"`
	StreamType uint8  `json:"streamType"`
	Video      bool   `json:"video"`
	Audio      bool   `json:"audio"`
}

// ProgramInfo summarizes the first program of a transport stream.
type ProgramInfo struct {
	ProgramNumber uint16             `json:"programNumber"`
	PCRPID        uint16             `json:"pcrPid"`
	Streams       []ElementaryStream `json:"streams"`
}

// HasVideo reports whether the program carries a video stream.
func (pi ProgramInfo) HasVideo() bool {
	for _, s := range pi.Streams {
		if s.Video {
			return true
		}
	}
	return false
}

// ProbeTS demuxes r until the first PMT and describes it.
func ProbeTS(ctx context.Context, r io.Reader) (ProgramInfo, error) {
	dmx := astits.NewDemuxer(ctx, r, astits.DemuxerOptPacketSize(astits.MpegTsPacketSize))
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ProgramInfo{}, ErrNoProgram
			}
			return ProgramInfo{}, fmt.Errorf("probe ts: %w", err)
		}
		if d == nil || d.PMT == nil {
			continue
		}
		info := ProgramInfo{ProgramNumber: d.PMT.ProgramNumber, PCRPID: d.PMT.PCRPID}
		for _, es := range d.PMT.ElementaryStreams {
			info.Streams = append(info.Streams, ElementaryStream{
				PID:        es.ElementaryPID,
				StreamType: uint8(es.StreamType),
				Video:      isVideo(es.StreamType),
				Audio:      isAudio(es.StreamType),
			})
		}
		return info, nil
	}
}

func isVideo(t astits.StreamType) bool {
	switch t {
	case astits.StreamTypeH264Video, astits.StreamTypeH265Video,
		astits.StreamTypeMPEG1Video, astits.StreamTypeMPEG2Video:
		return true
	}
	return false
}

func isAudio(t astits.StreamType) bool {
	switch t {
	case astits.StreamTypeAACAudio, astits.StreamTypeAACLATMAudio,
		astits.StreamTypeMPEG1Audio, astits.StreamTypeMPEG2Audio,
		astits.StreamTypeAC3Audio, astits.StreamTypeEAC3Audio:
		return true
	}
	return false
}
