package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("relay-request")

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if got := binary.BigEndian.Uint32(buffer.Bytes()[:4]); got != uint32(len(payload)) {
		t.Fatalf("unexpected header: got %d want %d", got, len(payload))
	}

	got, compressed, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if compressed {
		t.Fatalf("expected uncompressed frame")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFrameCompressedFlag(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, []byte{1, 2, 3}, true); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if buffer.Bytes()[0]&0x80 == 0 {
		t.Fatalf("expected compressed flag in header")
	}

	got, compressed, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !compressed || len(got) != 3 {
		t.Fatalf("unexpected frame: compressed=%v len=%d", compressed, len(got))
	}
}

func TestEmptyFrame(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, nil, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, _, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload, false); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	if _, _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameReportsEOF(t *testing.T) {
	if _, _, err := ReadFrame(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
