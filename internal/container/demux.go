// Package container parses the encoder's byte-stream output (a 32-byte
// file header followed by 12-byte-prefixed frames, spec.md §4.4) into
// discrete Frame values tagged with capture time and stream epoch.
package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	fileHeaderSize  = 32
	frameHeaderSize = 12
	magic           = "DKIF"
)

// Frame is one complete compressed video frame payload plus the metadata
// the fan-out stage needs (spec.md §3).
type Frame struct {
	Bytes       []byte
	CaptureTime time.Time
	Epoch       uint32
}

// Now is overridable for tests; production code leaves it as time.Now.
var Now = time.Now

// Demux reads one container stream from r, emitting Frame values tagged
// with epoch via emit, until EOF or a read error. An invalid magic aborts
// immediately; the caller (the supervisor) observes this the same way it
// observes any other EOF/exit.
func Demux(r io.Reader, epoch uint32, emit func(Frame)) error {
	header := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("container: read file header: %w", err)
	}
	if string(header[:4]) != magic {
		return fmt.Errorf("container: bad magic %q", header[:4])
	}

	frameHeader := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(r, frameHeader); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("container: read frame header: %w", err)
		}

		size := binary.LittleEndian.Uint32(frameHeader[0:4])
		// frameHeader[4:12] is a stream timestamp; ignored per spec.md §4.4
		// — wall clock is substituted on emit.
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("container: read frame payload: %w", err)
		}

		emit(Frame{Bytes: payload, CaptureTime: Now(), Epoch: epoch})
	}
}
