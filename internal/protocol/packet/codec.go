package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize     = 4*16 + 4 + 8 + 4 + 2
	DescriptorSize = 4 + 4
	crcOffset      = HeaderSize - 2
)

var (
	ErrMalformedPackage = errors.New("packet: malformed package")
	ErrChecksumMismatch = fmt.Errorf("%w: header checksum mismatch", ErrMalformedPackage)
	ErrTruncated        = fmt.Errorf("%w: truncated input", ErrMalformedPackage)
	ErrBufferCount      = fmt.Errorf("%w: inconsistent buffer count", ErrMalformedPackage)
	ErrBufferTooLarge   = fmt.Errorf("%w: buffer too large", ErrMalformedPackage)
	ErrBufferIndex      = errors.New("packet: buffer index out of range")
	ErrNilPackage       = errors.New("packet: nil package")
)

// Header is the fixed part of a package as read off the wire.
type Header struct {
	ID, ParentID, SenderID, ReceiverID [16]byte

	Type      uint32
	NumericID uint64
	Buffers   uint32
	CRC       uint16
}

// Limits constrains decode memory use.
type Limits struct {
	MaxBuffers     uint32
	MaxBufferBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxBuffers:     1024,
		MaxBufferBytes: 64 * 1024 * 1024,
	}
}

// Encode returns the wire form of p with a freshly computed checksum.
func Encode(p *Package) ([]byte, error) {
	if p == nil {
		return nil, ErrNilPackage
	}
	out := make([]byte, 0, p.WireSize())
	out = append(out, EncodeHeader(headerOf(p))...)
	out = append(out, encodeDescriptors(p)...)
	for _, b := range p.Buffers {
		out = append(out, b.Data...)
	}
	return out, nil
}

// Decode parses exactly one package from b. Any inconsistency, including
// trailing bytes, is reported as ErrMalformedPackage.
func Decode(b []byte) (*Package, error) {
	if len(b) < HeaderSize {
		return nil, ErrTruncated
	}
	h, err := DecodeHeader(b[:HeaderSize])
	if err != nil {
		return nil, err
	}
	rest := b[HeaderSize:]
	if uint64(len(rest)) < uint64(h.Buffers)*DescriptorSize {
		return nil, ErrBufferCount
	}
	descs := decodeDescriptors(rest[:int(h.Buffers)*DescriptorSize])
	rest = rest[int(h.Buffers)*DescriptorSize:]

	p := fromHeader(h)
	for i, d := range descs {
		if uint64(len(rest)) < uint64(d.size) {
			return nil, fmt.Errorf("%w: buffer %d wants %d bytes, %d left", ErrTruncated, i, d.size, len(rest))
		}
		p.Buffers[i] = Buffer{Encoding: d.enc, Data: append([]byte(nil), rest[:d.size]...)}
		rest = rest[d.size:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBufferCount, len(rest))
	}
	return p, nil
}

// ReadPackage reads one package from r. A clean EOF before the first header
// byte is returned as io.EOF.
func ReadPackage(r io.Reader, limits Limits) (*Package, error) {
	var fixed [HeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return nil, err
	}
	if h.Buffers > limits.MaxBuffers {
		return nil, fmt.Errorf("%w: %d buffers exceeds %d", ErrBufferCount, h.Buffers, limits.MaxBuffers)
	}

	raw := make([]byte, int(h.Buffers)*DescriptorSize)
	if err := readFull(r, raw); err != nil {
		return nil, err
	}
	descs := decodeDescriptors(raw)

	p := fromHeader(h)
	for i, d := range descs {
		if d.size > limits.MaxBufferBytes {
			return nil, fmt.Errorf("%w: buffer %d size %d", ErrBufferTooLarge, i, d.size)
		}
		data := make([]byte, d.size)
		if err := readFull(r, data); err != nil {
			return nil, err
		}
		p.Buffers[i] = Buffer{Encoding: d.enc, Data: data}
	}
	return p, nil
}

// WritePackage writes p to w in one call.
func WritePackage(w io.Writer, p *Package, limits Limits) error {
	if p == nil {
		return ErrNilPackage
	}
	if uint64(len(p.Buffers)) > uint64(limits.MaxBuffers) {
		return fmt.Errorf("packet: %d buffers exceeds %d", len(p.Buffers), limits.MaxBuffers)
	}
	for i, b := range p.Buffers {
		if uint64(len(b.Data)) > uint64(limits.MaxBufferBytes) {
			return fmt.Errorf("packet: buffer %d size %d exceeds %d", i, len(b.Data), limits.MaxBufferBytes)
		}
	}
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func readFull(r io.Reader, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	return nil
}

// EncodeHeader writes h with its checksum recomputed.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:16], h.ID[:])
	copy(buf[16:32], h.ParentID[:])
	copy(buf[32:48], h.SenderID[:])
	copy(buf[48:64], h.ReceiverID[:])
	binary.LittleEndian.PutUint32(buf[64:68], h.Type)
	binary.LittleEndian.PutUint64(buf[68:76], h.NumericID)
	binary.LittleEndian.PutUint32(buf[76:80], h.Buffers)
	binary.LittleEndian.PutUint16(buf[crcOffset:HeaderSize], checksum(buf[:crcOffset]))
	return buf
}

// DecodeHeader parses and verifies a fixed header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header length %d", ErrTruncated, len(b))
	}
	var h Header
	copy(h.ID[:], b[0:16])
	copy(h.ParentID[:], b[16:32])
	copy(h.SenderID[:], b[32:48])
	copy(h.ReceiverID[:], b[48:64])
	h.Type = binary.LittleEndian.Uint32(b[64:68])
	h.NumericID = binary.LittleEndian.Uint64(b[68:76])
	h.Buffers = binary.LittleEndian.Uint32(b[76:80])
	h.CRC = binary.LittleEndian.Uint16(b[crcOffset:HeaderSize])
	if want := checksum(b[:crcOffset]); want != h.CRC {
		return Header{}, fmt.Errorf("%w: got=%#04x want=%#04x", ErrChecksumMismatch, h.CRC, want)
	}
	return h, nil
}

type descriptor struct {
	enc  Encoding
	size uint32
}

func encodeDescriptors(p *Package) []byte {
	buf := make([]byte, DescriptorSize*len(p.Buffers))
	for i, b := range p.Buffers {
		off := i * DescriptorSize
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(b.Encoding))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(len(b.Data)))
	}
	return buf
}

func decodeDescriptors(b []byte) []descriptor {
	n := len(b) / DescriptorSize
	out := make([]descriptor, n)
	for i := range out {
		off := i * DescriptorSize
		out[i] = descriptor{
			enc:  Encoding(binary.LittleEndian.Uint32(b[off : off+4])),
			size: binary.LittleEndian.Uint32(b[off+4 : off+8]),
		}
	}
	return out
}

func headerOf(p *Package) Header {
	return Header{
		ID:         p.ID,
		ParentID:   p.ParentID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Type:       p.Type,
		NumericID:  p.NumericID,
		Buffers:    uint32(len(p.Buffers)),
	}
}

func fromHeader(h Header) *Package {
	p := &Package{
		ID:         h.ID,
		ParentID:   h.ParentID,
		SenderID:   h.SenderID,
		ReceiverID: h.ReceiverID,
		Type:       h.Type,
		NumericID:  h.NumericID,
		Buffers:    make([]Buffer, h.Buffers),
	}
	p.refs.Store(1)
	return p
}
