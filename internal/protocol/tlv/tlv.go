// Package tlv encodes the type-length-value fields carried by secure
// channel hello messages. Unknown field ids survive a decode/encode cycle
// so older peers can relay newer hellos.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is id(2) + type(1) + length(4).
const HeaderLen = 7

// MaxValueLen bounds a single field value.
const MaxValueLen = 1 << 16

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrValueTooLarge    = errors.New("tlv: field value too large")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
)

// Type IDs.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U16(id uint16, v uint16) Field {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return Field{ID: id, Type: TypeU16, Value: b}
}

func U32(id uint16, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

func Bool(id uint16, v bool) Field {
	var b byte
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func String(id uint16, s string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(s)}
}

func Bytes(id uint16, b []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), b...)}
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func EncodeFields(fields ...Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

// Fields is a decoded field list in wire order.
type Fields []Field

func DecodeFields(payload []byte) (Fields, error) {
	fields := make(Fields, 0, 8)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if l > MaxValueLen {
			return nil, fmt.Errorf("%w: field %d len %d", ErrValueTooLarge, id, l)
		}
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

// Get returns the first field with id.
func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (fs Fields) typed(id uint16, typ uint8, size int) ([]byte, error) {
	f, ok := fs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if f.Type != typ {
		return nil, fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, id, f.Type, typ)
	}
	if size >= 0 && len(f.Value) != size {
		return nil, fmt.Errorf("tlv: field %d invalid length %d", id, len(f.Value))
	}
	return f.Value, nil
}

func (fs Fields) U8(id uint16) (uint8, error) {
	b, err := fs.typed(id, TypeU8, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (fs Fields) U16(id uint16) (uint16, error) {
	b, err := fs.typed(id, TypeU16, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (fs Fields) U32(id uint16) (uint32, error) {
	b, err := fs.typed(id, TypeU32, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (fs Fields) Bool(id uint16) (bool, error) {
	b, err := fs.typed(id, TypeBool, 1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (fs Fields) String(id uint16) (string, error) {
	b, err := fs.typed(id, TypeString, -1)
	return string(b), err
}

// Bytes returns the raw value. A missing optional field is reported as
// ErrMissingField so callers can errors.Is it away.
func (fs Fields) Bytes(id uint16) ([]byte, error) {
	return fs.typed(id, TypeBytes, -1)
}

// All returns the values of every field with id, in wire order.
func (fs Fields) All(id uint16) [][]byte {
	var out [][]byte
	for _, f := range fs {
		if f.ID == id {
			out = append(out, f.Value)
		}
	}
	return out
}
