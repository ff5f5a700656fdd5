// Package protocol implements lattice's wire framing: a length-prefixed
// multipart envelope carrying a message's frames
// ([source, id, type, subject, headers, body]) over a single TCP byte
// stream.
//
// TCP has no multipart primitive, so framing is explicit: a fixed 8-byte
// preamble (3-byte magic + 1-byte version + 4-byte frame count) followed by
// that many length-prefixed frames.
//
//	┌──────┬──┬───────────┬──────────────┬─────────┬───┬──────────────┬─────────┐
//	│magic │v │frameCount │ frame0Len(4) │ frame0  │...│ frameNLen(4) │ frameN  │
//	│ ltc  │01│  uint32   │   uint32     │ ...     │   │   uint32     │ ...     │
//	└──────┴──┴───────────┴──────────────┴─────────┴───┴──────────────┴─────────┘
//
// Solves TCP's sticky-packet problem the same way a fixed single-frame
// header would, just generalized to N frames instead of one.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes identify a lattice frame, rejecting connections from
// unrelated protocols speaking the same port.
const (
	MagicByte1 byte = 0x6c // 'l'
	MagicByte2 byte = 0x74 // 't'
	MagicByte3 byte = 0x63 // 'c'
	Version    byte = 0x01

	preambleSize = 3 + 1 + 4 // magic + version + frame count
)

// MaxFrameCount bounds the frame count read from an untrusted preamble so a
// corrupt or hostile stream can't make DecodeFrames allocate an enormous
// slice before the length-prefix reads even start failing.
const MaxFrameCount = 64

// EncodeFrames writes a complete multipart envelope to w: preamble plus
// each frame, length-prefixed. The caller must serialize writes to w if
// multiple goroutines share it, or frames from concurrent sends will
// interleave and corrupt the stream.
func EncodeFrames(w io.Writer, frames [][]byte) error {
	if len(frames) > MaxFrameCount {
		return fmt.Errorf("protocol: %d frames exceeds max %d", len(frames), MaxFrameCount)
	}
	preamble := make([]byte, preambleSize)
	preamble[0], preamble[1], preamble[2] = MagicByte1, MagicByte2, MagicByte3
	preamble[3] = Version
	binary.BigEndian.PutUint32(preamble[4:8], uint32(len(frames)))
	if _, err := w.Write(preamble); err != nil {
		return err
	}
	for _, frame := range frames {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if len(frame) > 0 {
			if _, err := w.Write(frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeFrames reads one complete multipart envelope from r, validating the
// magic number and version. Uses io.ReadFull throughout so partial reads
// never produce a truncated frame.
func DecodeFrames(r io.Reader) ([][]byte, error) {
	preamble := make([]byte, preambleSize)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, err
	}
	if preamble[0] != MagicByte1 || preamble[1] != MagicByte2 || preamble[2] != MagicByte3 {
		return nil, fmt.Errorf("protocol: invalid magic number: %x", preamble[0:3])
	}
	if preamble[3] != Version {
		return nil, fmt.Errorf("protocol: unsupported version: %d", preamble[3])
	}
	count := binary.BigEndian.Uint32(preamble[4:8])
	if count > MaxFrameCount {
		return nil, fmt.Errorf("protocol: frame count %d exceeds max %d", count, MaxFrameCount)
	}
	frames := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		frame := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, frame); err != nil {
				return nil, err
			}
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
