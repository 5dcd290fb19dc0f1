// Package packet owns the transport wire unit: a fixed header with four
// identities and a checksum, a buffer descriptor array and the payloads.
package packet

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Package is one transport message. Buffers hold wire bytes; use SetBuffer
// and Data to move through the encoding layer.
type Package struct {
	ID         uuid.UUID
	ParentID   uuid.UUID
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	Type       uint32
	NumericID  uint64
	Buffers    []Buffer

	refs        atomic.Int32
	releaseOnce sync.Once
	onRelease   func()
}

// Buffer is one attached payload as carried on the wire.
type Buffer struct {
	Encoding Encoding
	Data     []byte
}

// New returns a package with a fresh id and nbuf empty raw buffers.
func New(typ uint32, nbuf int) *Package {
	p := &Package{
		ID:      uuid.New(),
		Type:    typ,
		Buffers: make([]Buffer, nbuf),
	}
	p.refs.Store(1)
	return p
}

// NewWithData is New with a single buffer set from data.
func NewWithData(typ uint32, enc Encoding, data []byte) (*Package, error) {
	p := New(typ, 1)
	if err := p.SetBuffer(0, enc, data); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Package) IsResponse() bool {
	return p.ParentID != uuid.Nil
}

// SetBuffer encodes data with enc and stores it at index i.
func (p *Package) SetBuffer(i int, enc Encoding, data []byte) error {
	if i < 0 || i >= len(p.Buffers) {
		return fmt.Errorf("%w: buffer index %d of %d", ErrBufferIndex, i, len(p.Buffers))
	}
	wire, err := encodeBuffer(enc, data)
	if err != nil {
		return err
	}
	p.Buffers[i] = Buffer{Encoding: enc, Data: wire}
	return nil
}

// Data returns the decoded contents of buffer i.
func (p *Package) Data(i int) ([]byte, error) {
	if i < 0 || i >= len(p.Buffers) {
		return nil, fmt.Errorf("%w: buffer index %d of %d", ErrBufferIndex, i, len(p.Buffers))
	}
	b := p.Buffers[i]
	return decodeBuffer(b.Encoding, b.Data)
}

// PayloadSize is the sum of wire buffer sizes.
func (p *Package) PayloadSize() int {
	n := 0
	for _, b := range p.Buffers {
		n += len(b.Data)
	}
	return n
}

// WireSize is the full encoded size of the package.
func (p *Package) WireSize() int {
	return HeaderSize + DescriptorSize*len(p.Buffers) + p.PayloadSize()
}

// Clone copies header and buffer slices. The clone has its own reference
// count and no release callback.
func (p *Package) Clone() *Package {
	c := &Package{
		ID:         p.ID,
		ParentID:   p.ParentID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Type:       p.Type,
		NumericID:  p.NumericID,
		Buffers:    make([]Buffer, len(p.Buffers)),
	}
	for i, b := range p.Buffers {
		c.Buffers[i] = Buffer{Encoding: b.Encoding, Data: append([]byte(nil), b.Data...)}
	}
	c.refs.Store(1)
	return c
}

// OnRelease registers fn to run once, when the last owner releases p.
// A second registration replaces the first.
func (p *Package) OnRelease(fn func()) {
	p.onRelease = fn
}

// Retain adds an owner.
func (p *Package) Retain() *Package {
	p.refs.Add(1)
	return p
}

// Release drops an owner and runs the release callback on the last one.
func (p *Package) Release() {
	if p.refs.Add(-1) > 0 {
		return
	}
	p.releaseOnce.Do(func() {
		if p.onRelease != nil {
			p.onRelease()
		}
	})
}

func (p *Package) String() string {
	return fmt.Sprintf("pkg{id=%s type=%d parent=%s num=%d bufs=%d}",
		p.ID, p.Type, p.ParentID, p.NumericID, len(p.Buffers))
}
