// Package wire implements the two-frame pub/sub datagram of spec §6.1:
// [envelope][payload], where payload is a one-byte codec tag followed by the
// (possibly compressed) message bytes. Grounded on the teacher's
// internal/grpc/compress.go Compressor interface, reimplemented against the
// teacher's actual dependencies (snappy, zstd) instead of stdlib gzip.
package wire

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec tags the compression scheme applied to a payload, carried as the
// first byte of every wire payload so a receiver never has to guess.
type Codec byte

const (
	CodecNone   Codec = 0x00
	CodecSnappy Codec = 0x01
	CodecZstd   Codec = 0x02
)

// Compressor applies symmetric compression to payload byte slices.
type Compressor interface {
	Codec() Codec
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type noneCompressor struct{}

// NewNoneCompressor returns a Compressor that passes payloads through
// unchanged; useful for tiny control replies where compression overhead
// would dominate.
func NewNoneCompressor() Compressor { return noneCompressor{} }

func (noneCompressor) Codec() Codec                         { return CodecNone }
func (noneCompressor) Compress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

type snappyCompressor struct{}

// NewSnappyCompressor returns a Compressor backed by github.com/golang/snappy,
// used for small, frequent frames (heartbeats, ControlState) where speed
// matters more than ratio.
func NewSnappyCompressor() Compressor { return snappyCompressor{} }

func (snappyCompressor) Codec() Codec { return CodecSnappy }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor returns a Compressor backed by
// github.com/klauspost/compress/zstd, used for bulk Scan2d sample payloads
// where the higher compression ratio is worth the extra CPU.
func NewZstdCompressor() (Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: enc, decoder: dec}, nil
}

func (z *zstdCompressor) Codec() Codec { return CodecZstd }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return z.decoder.DecodeAll(data, nil)
}

// byCodec resolves a Compressor by the tag carried on the wire.
func byCodec(codec Codec, zstdCompressor Compressor) (Compressor, error) {
	switch codec {
	case CodecNone:
		return NewNoneCompressor(), nil
	case CodecSnappy:
		return NewSnappyCompressor(), nil
	case CodecZstd:
		if zstdCompressor == nil {
			return nil, fmt.Errorf("wire: zstd codec requested but no zstd compressor configured")
		}
		return zstdCompressor, nil
	default:
		return nil, fmt.Errorf("wire: unknown codec tag 0x%02x", byte(codec))
	}
}

// EncodePayload compresses data with c and prefixes it with c's codec tag.
func EncodePayload(c Compressor, data []byte) ([]byte, error) {
	compressed, err := c.Compress(data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, byte(c.Codec()))
	out = append(out, compressed...)
	return out, nil
}

// DecodePayload reads the codec tag off frame and decompresses the remainder.
// zstdCompressor may be nil if the caller never sends zstd-tagged frames.
func DecodePayload(frame []byte, zstdCompressor Compressor) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("wire: empty payload frame")
	}
	c, err := byCodec(Codec(frame[0]), zstdCompressor)
	if err != nil {
		return nil, err
	}
	return c.Decompress(frame[1:])
}
