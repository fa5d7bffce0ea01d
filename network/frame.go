package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the maximum accepted on-wire frame payload size (64 MiB).
	MaxFrameSize = 64 << 20
	// FrameHeaderSize is the length of the big-endian frame header.
	FrameHeaderSize = 4

	compressedFlag = uint32(1) << 31
	lengthMask     = compressedFlag - 1
)

// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("network: frame exceeds max size")

// WriteFrame writes one length-prefixed frame. The high bit of the header
// marks a compressed payload.
func WriteFrame(w io.Writer, payload []byte, compressed bool) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := uint32(len(payload))
	if compressed {
		header |= compressedFlag
	}

	// One write per frame so concurrent frames on a shared conn never interleave.
	buf := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, header)
	copy(buf[FrameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and reports whether its payload
// is compressed.
func ReadFrame(r io.Reader) ([]byte, bool, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, false, io.EOF
		}
		return nil, false, fmt.Errorf("read frame length: %w", err)
	}

	raw := binary.BigEndian.Uint32(header[:])
	compressed := raw&compressedFlag != 0
	length := raw & lengthMask
	if length > MaxFrameSize {
		return nil, false, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, compressed, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, compressed, nil
}
