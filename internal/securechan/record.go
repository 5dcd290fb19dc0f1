package securechan

import (
	"bufio"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
)

// Record tags.
const (
	TagPlain     byte = 0xFF
	TagHandshake byte = 0x16
	TagAppData   byte = 0x17
	TagAlert     byte = 0x15
)

const (
	recordHeaderLen = 3
	// MaxRecordPayload bounds the bytes after the record header.
	MaxRecordPayload = 16384
	readBufferSize   = 32 << 10
)

func writeRecord(w io.Writer, tag byte, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxRecordPayload {
		return fmt.Errorf("%w: %d", ErrRecordLength, len(payload))
	}
	buf := make([]byte, recordHeaderLen+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:], payload)
	_, err := w.Write(buf)
	return err
}

// readRecord consumes one record. Bytes are only discarded once the whole
// record is buffered, so a timed out read leaves the stream intact.
func readRecord(br *bufio.Reader) (byte, []byte, error) {
	hdr, err := br.Peek(recordHeaderLen)
	if err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[1:3]))
	if n == 0 || n > MaxRecordPayload {
		return 0, nil, fmt.Errorf("%w: %d", ErrRecordLength, n)
	}
	full, err := br.Peek(recordHeaderLen + n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	tag := full[0]
	payload := make([]byte, n)
	copy(payload, full[recordHeaderLen:])
	if _, err := br.Discard(recordHeaderLen + n); err != nil {
		return 0, nil, err
	}
	return tag, payload, nil
}

// halfConn is one direction of record protection.
type halfConn struct {
	aead cipher.AEAD
	iv   []byte
	seq  uint64
}

func (h *halfConn) nonce() []byte {
	n := make([]byte, len(h.iv))
	copy(n, h.iv)
	off := len(n) - 8
	for i := 0; i < 8; i++ {
		n[off+i] ^= byte(h.seq >> (56 - 8*i))
	}
	h.seq++
	return n
}

func additionalData(tag byte, n int) []byte {
	return []byte{tag, byte(n >> 8), byte(n)}
}

// maxPlaintext is the largest plaintext that still fits one record.
func (h *halfConn) maxPlaintext() int {
	return MaxRecordPayload - h.aead.Overhead()
}

func (h *halfConn) seal(tag byte, plaintext []byte) []byte {
	n := len(plaintext) + h.aead.Overhead()
	return h.aead.Seal(nil, h.nonce(), plaintext, additionalData(tag, n))
}

func (h *halfConn) open(tag byte, ciphertext []byte) ([]byte, error) {
	out, err := h.aead.Open(nil, h.nonce(), ciphertext, additionalData(tag, len(ciphertext)))
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}
