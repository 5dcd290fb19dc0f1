package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/google/uuid"
)

// ReadPreamble reads and validates the magic of a peer preamble.
// Version compatibility is left to the caller.
func ReadPreamble(r io.Reader) (Preamble, error) {
	buf := make([]byte, PreambleSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Preamble{}, ErrTruncated
		}
		return Preamble{}, err
	}
	return DecodePreamble(buf)
}

func DecodePreamble(buf []byte) (Preamble, error) {
	if len(buf) != PreambleSize {
		return Preamble{}, ErrInvalidLength
	}
	if !bytes.Equal(buf[0:4], Magic[:]) {
		return Preamble{}, ErrInvalidMagic
	}
	desc := buf[8:]
	if i := bytes.IndexByte(desc, 0); i >= 0 {
		desc = desc[:i]
	}
	return Preamble{
		Version: Version{
			Major: binary.LittleEndian.Uint16(buf[4:6]),
			Minor: binary.LittleEndian.Uint16(buf[6:8]),
		},
		Description: string(desc),
	}, nil
}

func ReadIdentity(r io.Reader) (Identity, error) {
	buf := make([]byte, IdentitySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Identity{}, ErrTruncated
		}
		return Identity{}, err
	}
	return DecodeIdentity(buf)
}

func DecodeIdentity(buf []byte) (Identity, error) {
	if len(buf) != IdentitySize {
		return Identity{}, ErrInvalidLength
	}
	var id uuid.UUID
	copy(id[:], buf[4:])
	if id == uuid.Nil {
		return Identity{}, ErrNilIdentity
	}
	return Identity{
		SenderType:   SenderType(binary.LittleEndian.Uint32(buf[0:4])),
		ConnectionID: id,
	}, nil
}
