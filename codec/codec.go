// Package codec wraps zstd block compression for framed-TCP payloads.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultLevel is the compression level used for framed payloads.
	DefaultLevel = 3

	minDecompressedSize = 1 << 20
	maxDecompressedSize = 64 << 20
	decompressRatio     = 30
)

// ErrTooLarge indicates a frame would decompress past MaxDecompressedSize.
var ErrTooLarge = errors.New("codec: decompressed size exceeds limit")

// MaxDecompressedSize bounds the output of Decompress for an input of n bytes.
func MaxDecompressedSize(n int) int {
	limit := decompressRatio * n
	if limit < minDecompressedSize {
		return minDecompressedSize
	}
	if limit > maxDecompressedSize {
		return maxDecompressedSize
	}
	return limit
}

// Codec holds zstd contexts. It is not safe for concurrent use; every
// owner (one per framed stream) keeps its own instance.
type Codec struct {
	encoders map[int]*zstd.Encoder
	decoder  *zstd.Decoder
	logger   *slog.Logger
}

// New returns a Codec logging failures to logger (slog.Default when nil).
func New(logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{
		encoders: make(map[int]*zstd.Encoder),
		logger:   logger,
	}
}

// Compress returns data compressed at level, or an empty slice on failure.
func (c *Codec) Compress(data []byte, level int) []byte {
	enc, err := c.encoder(level)
	if err != nil {
		c.logger.Info("failed to compress", "error", err)
		return []byte{}
	}
	return enc.EncodeAll(data, nil)
}

// Decompress returns the decompressed form of data, or an empty slice when
// data is malformed or would exceed MaxDecompressedSize(len(data)).
func (c *Codec) Decompress(data []byte) []byte {
	out, err := c.decompress(data)
	if err != nil {
		c.logger.Info("failed to decompress", "error", err)
		return []byte{}
	}
	return out
}

func (c *Codec) decompress(data []byte) ([]byte, error) {
	limit := MaxDecompressedSize(len(data))

	var header zstd.Header
	if err := header.Decode(data); err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}
	if header.HasFCS && header.FrameContentSize > uint64(limit) {
		return nil, fmt.Errorf("%w: declared %d, limit %d", ErrTooLarge, header.FrameContentSize, limit)
	}

	dec, err := c.decompressor()
	if err != nil {
		return nil, err
	}
	// Frames without a declared size are only known to be too large once
	// decoded, so output is read through a limit rather than DecodeAll.
	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("reset decoder: %w", err)
	}
	out, err := io.ReadAll(io.LimitReader(dec, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return out, nil
}

// Close releases the zstd contexts.
func (c *Codec) Close() {
	for level, enc := range c.encoders {
		_ = enc.Close()
		delete(c.encoders, level)
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *Codec) encoder(level int) (*zstd.Encoder, error) {
	if enc, ok := c.encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	c.encoders[level] = enc
	return enc, nil
}

func (c *Codec) decompressor() (*zstd.Decoder, error) {
	if c.decoder != nil {
		return c.decoder, nil
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxDecompressedSize),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.decoder = dec
	return dec, nil
}
