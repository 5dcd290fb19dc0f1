package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding tags a buffer's wire representation.
type Encoding uint32

const (
	EncodingRaw        Encoding = 0
	EncodingLZ4        Encoding = 1
	EncodingZstd       Encoding = 2
	EncodingS2         Encoding = 3
	EncodingRawAligned Encoding = 8
)

var ErrUnknownEncoding = errors.New("packet: unknown buffer encoding")

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingLZ4:
		return "lz4"
	case EncodingZstd:
		return "zstd"
	case EncodingS2:
		return "s2"
	case EncodingRawAligned:
		return "raw-aligned"
	default:
		return fmt.Sprintf("encoding(%d)", uint32(e))
	}
}

// ParseEncoding accepts the names printed by String.
func ParseEncoding(name string) (Encoding, error) {
	for _, e := range []Encoding{EncodingRaw, EncodingLZ4, EncodingZstd, EncodingS2, EncodingRawAligned} {
		if e.String() == name {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
}

// Extended reports whether e needs the extended-encodings capability.
func (e Encoding) Extended() bool {
	switch e {
	case EncodingLZ4, EncodingZstd, EncodingS2:
		return true
	default:
		return false
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("packet: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("packet: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeBuffer(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case EncodingRaw, EncodingRawAligned:
		return data, nil
	case EncodingLZ4:
		return compressLZ4(data)
	case EncodingZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case EncodingS2:
		return s2.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncoding, uint32(enc))
	}
}

func decodeBuffer(enc Encoding, wire []byte) ([]byte, error) {
	switch enc {
	case EncodingRaw, EncodingRawAligned:
		return wire, nil
	case EncodingLZ4:
		return decompressLZ4(wire)
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(wire, nil)
		if err != nil {
			return nil, fmt.Errorf("packet: zstd decompress: %w", err)
		}
		return out, nil
	case EncodingS2:
		out, err := s2.Decode(nil, wire)
		if err != nil {
			return nil, fmt.Errorf("packet: s2 decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncoding, uint32(enc))
	}
}

// LZ4 buffers carry the plain length as a little-endian u32 prefix. An
// incompressible block is stored as-is after the prefix with a zero marker.
func compressLZ4(data []byte) ([]byte, error) {
	out := make([]byte, 5+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(data)))
	n, err := lz4.CompressBlock(data, out[5:], nil)
	if err != nil {
		return nil, fmt.Errorf("packet: lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		out[4] = 0
		return append(out[:5], data...), nil
	}
	out[4] = 1
	return out[:5+n], nil
}

func decompressLZ4(wire []byte) ([]byte, error) {
	if len(wire) < 5 {
		return nil, fmt.Errorf("packet: lz4 buffer too short: %d", len(wire))
	}
	size := int(binary.LittleEndian.Uint32(wire[0:4]))
	if wire[4] == 0 {
		if len(wire)-5 != size {
			return nil, fmt.Errorf("packet: lz4 stored size %d, have %d", size, len(wire)-5)
		}
		return append([]byte(nil), wire[5:]...), nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(wire[5:], out)
	if err != nil {
		return nil, fmt.Errorf("packet: lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("packet: lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return out, nil
}

// DowngradeEncodings rewrites every extended buffer as raw, for peers that
// did not negotiate extended encodings.
func (p *Package) DowngradeEncodings() error {
	for i, b := range p.Buffers {
		if !b.Encoding.Extended() {
			continue
		}
		data, err := decodeBuffer(b.Encoding, b.Data)
		if err != nil {
			return err
		}
		p.Buffers[i] = Buffer{Encoding: EncodingRaw, Data: data}
	}
	return nil
}
