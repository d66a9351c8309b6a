// Package protocol implements the length-prefixed frame codec used to
// exchange rpc.Message values over a byte stream (SPEC_FULL.md §4.1).
//
// Frame format:
//
//	0        4
//	┌────────┬───────────────┐
//	│ length │    payload     │
//	│ uint32 │  length bytes  │
//	│   LE   │   JSON bytes   │
//	└────────┴───────────────┘
//
// The codec is symmetric and stateless per direction: reads are
// incremental (a short header or body simply means "need more bytes" to
// the underlying io.ReadFull call), and the stream carries no per-message
// checksum since the transport below it is assumed reliable.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// LengthSize is the width of the frame's length prefix in bytes.
const LengthSize = 4

// DefaultMaxFrameSize is the default ceiling on a single frame's payload,
// matching the 16 MiB floor spec.md §4.1 requires.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned by Decode when a frame's declared length
// exceeds the configured maximum. The caller must treat this as fatal for
// the connection (spec.md §7).
type ErrFrameTooLarge struct {
	Declared uint32
	Max      uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("protocol: frame length %d exceeds max %d", e.Declared, e.Max)
}

// Encode writes a single length-prefixed frame to w. The caller is
// responsible for serializing writes to a shared connection (see
// bridge's per-connection write lock).
func Encode(w io.Writer, payload []byte) error {
	var header [LengthSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// Decode reads a single length-prefixed frame from r, rejecting frames
// larger than maxFrameSize. A maxFrameSize of 0 uses DefaultMaxFrameSize.
// Uses io.ReadFull so a short read is always treated as "connection gone"
// rather than a partial frame.
func Decode(r io.Reader, maxFrameSize uint32) ([]byte, error) {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	var header [LengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, &ErrFrameTooLarge{Declared: size, Max: maxFrameSize}
	}
	if size == 0 {
		return []byte{}, nil
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return body, nil
}
