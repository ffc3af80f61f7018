// Package compressor implements the swappable block-compression codecs
// SSTable writers and readers depend on: LZ4 as the default, with zstd and
// snappy kept as alternates for a caller who wants a different space/speed
// trade-off. Decompression is always deterministic, and the uncompressed
// size is recorded by the caller's block header rather than by the codec
// itself.
package compressor

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a block compression codec.
type Algorithm int

const (
	// AlgorithmLZ4 is the SSTable default.
	AlgorithmLZ4 Algorithm = iota
	AlgorithmZstd
	AlgorithmSnappy
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// DefaultLZ4Level is LZ4's high-compression level 4, balancing ratio and
// speed for SSTable-sized blocks.
const DefaultLZ4Level = 4

// Config selects a compression algorithm and its level (meaning varies by
// algorithm; ignored by snappy).
type Config struct {
	Algorithm Algorithm
	Level     int
}

// DefaultConfig returns the SSTable default: LZ4 at high-compression level 4.
func DefaultConfig() Config {
	return Config{Algorithm: AlgorithmLZ4, Level: DefaultLZ4Level}
}

// Codec compresses and decompresses SSTable block payloads. Implementations
// must be deterministic: the same input always produces decompressible
// output, and Decompress must reconstruct the exact bytes given the
// uncompressed size recorded by the block header.
type Codec interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, uncompressedSize int) ([]byte, error)
	Algorithm() Algorithm
}

// New constructs a Codec for the given configuration.
func New(cfg Config) (Codec, error) {
	switch cfg.Algorithm {
	case AlgorithmLZ4:
		level := cfg.Level
		if level <= 0 {
			level = DefaultLZ4Level
		}
		return &lz4Codec{level: lz4.CompressionLevel(level)}, nil
	case AlgorithmZstd:
		return newZstdCodec(cfg.Level)
	case AlgorithmSnappy:
		return &snappyCodec{}, nil
	default:
		return nil, fmt.Errorf("compressor: unsupported algorithm %v", cfg.Algorithm)
	}
}

type lz4Codec struct {
	level lz4.CompressionLevel
}

func (c *lz4Codec) Algorithm() Algorithm { return AlgorithmLZ4 }

func (c *lz4Codec) Compress(src []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	var compressor lz4.CompressorHC
	compressor.Level = c.level
	n, err := compressor.CompressBlock(src, buf)
	if err != nil {
		return nil, fmt.Errorf("lz4: compress: %w", err)
	}
	if n == 0 && len(src) > 0 {
		// Incompressible input: CompressBlock returns 0 when the result
		// wouldn't be smaller. Store raw in that case.
		return append([]byte{0}, src...), nil
	}
	return append([]byte{1}, buf[:n]...), nil
}

func (c *lz4Codec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	stored, payload := src[0], src[1:]
	if stored == 0 {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4: decompress: %w", err)
	}
	return dst[:n], nil
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	if level < 1 || level > 19 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("zstd: new encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: new decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Algorithm() Algorithm { return AlgorithmZstd }

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	dst := make([]byte, 0, uncompressedSize)
	out, err := c.dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("zstd: decompress: %w", err)
	}
	return out, nil
}

// snappyCodec uses klauspost/compress's S2 implementation in
// snappy-compatible mode: a faster drop-in than golang/snappy with an
// identical wire format.
type snappyCodec struct{}

func (c *snappyCodec) Algorithm() Algorithm { return AlgorithmSnappy }

func (c *snappyCodec) Compress(src []byte) ([]byte, error) {
	return s2.EncodeSnappy(nil, src), nil
}

func (c *snappyCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	dst := make([]byte, uncompressedSize)
	out, err := s2.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("snappy: decompress: %w", err)
	}
	return out, nil
}
