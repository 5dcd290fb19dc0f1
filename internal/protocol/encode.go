package protocol

import (
	"encoding/binary"
	"io"
)

const (
	MagicLen       = 4
	DescriptionLen = 64
	PreambleSize   = MagicLen + 2 + 2 + DescriptionLen
	IdentitySize   = 4 + 16
)

// Magic never changes between protocol versions.
var Magic = [MagicLen]byte{'P', 'R', 'L', 'T'}

// Preamble is the first record each side writes on a fresh connection.
type Preamble struct {
	Version     Version
	Description string
}

// WritePreamble writes p using the fixed preamble layout.
func WritePreamble(w io.Writer, p Preamble) error {
	buf, err := EncodePreamble(p)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func EncodePreamble(p Preamble) ([]byte, error) {
	if len(p.Description) > DescriptionLen {
		return nil, ErrDescriptionTooLong
	}
	buf := make([]byte, PreambleSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], p.Version.Major)
	binary.LittleEndian.PutUint16(buf[6:8], p.Version.Minor)
	copy(buf[8:], p.Description)
	return buf, nil
}

// WriteIdentity writes the sender type and connection id record.
func WriteIdentity(w io.Writer, id Identity) error {
	buf, err := EncodeIdentity(id)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func EncodeIdentity(id Identity) ([]byte, error) {
	if id.ConnectionID == [16]byte{} {
		return nil, ErrNilIdentity
	}
	buf := make([]byte, IdentitySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id.SenderType))
	copy(buf[4:], id.ConnectionID[:])
	return buf, nil
}
