// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxBoxSize guards against a corrupt length field swallowing memory.
const maxBoxSize = 64 << 20

var errBoxTooLarge = errors.New("box exceeds size limit")

// box is one top-level ISO BMFF box including its header.
type box struct {
	typ  string
	data []byte
}

// readBox reads the next complete top-level box from r.
func readBox(r io.Reader) (box, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return box{}, err
	}
	size := uint64(binary.BigEndian.Uint32(hdr[0:4]))
	typ := string(hdr[4:8])
	headerLen := uint64(8)

	var ext [8]byte
	switch size {
	case 0:
		return box{}, fmt.Errorf("box %q: open-ended size not supported in a live stream", typ)
	case 1:
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return box{}, unexpected(err)
		}
		size = binary.BigEndian.Uint64(ext[:])
		headerLen = 16
	}
	if size < headerLen {
		return box{}, fmt.Errorf("box %q: invalid size %d", typ, size)
	}
	if size > maxBoxSize {
		return box{}, fmt.Errorf("box %q: %w (%d bytes)", typ, errBoxTooLarge, size)
	}

	buf := make([]byte, size)
	copy(buf, hdr[:])
	if headerLen == 16 {
		copy(buf[8:], ext[:])
	}
	if _, err := io.ReadFull(r, buf[headerLen:]); err != nil {
		return box{}, unexpected(err)
	}
	return box{typ: typ, data: buf}, nil
}

// unexpected turns a clean EOF inside a box into ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
