package routing

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize = 4 + 4 + 1
	entrySize  = 4 + 4 + 4 + 4
)

// MarshalBinary encodes the default route and ranges. Recognised names
// that no route uses are not part of the wire form.
func (t Table) MarshalBinary() ([]byte, error) {
	entries := t.Entries()
	if len(entries) > MaxRoutes {
		return nil, ErrTooManyRoutes
	}
	buf := make([]byte, headerSize+entrySize*len(entries))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(t.def.Name))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(t.def.Requirement))
	buf[8] = uint8(len(entries))
	off := headerSize
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Begin)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], e.End)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(e.Name))
		binary.LittleEndian.PutUint32(buf[off+12:off+16], uint32(e.Requirement))
		off += entrySize
	}
	return buf, nil
}

// UnmarshalBinary replaces t with the decoded table. The buffer length
// must match the route count exactly.
func (t *Table) UnmarshalBinary(b []byte) error {
	n, err := SizeFromHeader(b)
	if err != nil {
		return err
	}
	if len(b) != n {
		return fmt.Errorf("%w: size %d want %d", ErrMalformed, len(b), n)
	}
	out := New(Name(binary.LittleEndian.Uint32(b[0:4])), Requirement(binary.LittleEndian.Uint32(b[4:8])))
	off := headerSize
	for i := 0; i < int(b[8]); i++ {
		err := out.AddRange(
			binary.LittleEndian.Uint32(b[off:off+4]),
			binary.LittleEndian.Uint32(b[off+4:off+8]),
			Name(binary.LittleEndian.Uint32(b[off+8:off+12])),
			Requirement(binary.LittleEndian.Uint32(b[off+12:off+16])),
		)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrMalformed, i, err)
		}
		off += entrySize
	}
	*t = out
	return nil
}

// SizeFromHeader validates the leading header bytes and returns the full
// encoded table size.
func SizeFromHeader(b []byte) (int, error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("%w: short header", ErrMalformed)
	}
	count := int(b[8])
	if count > MaxRoutes {
		return 0, fmt.Errorf("%w: %d routes", ErrMalformed, count)
	}
	return headerSize + entrySize*count, nil
}

// HeaderSize is the number of bytes SizeFromHeader needs.
func HeaderSize() int {
	return headerSize
}
