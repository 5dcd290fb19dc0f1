// Package schema defines the secure channel handshake messages: their
// type ids, field ids and the fields each message must carry.
package schema

import (
	"errors"
	"fmt"

	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol/tlv"
)

// Message type IDs.
const (
	MsgClientHello       uint8 = 1
	MsgServerHello       uint8 = 2
	MsgCertificate       uint8 = 3
	MsgCertificateVerify uint8 = 4
	MsgFinished          uint8 = 5
)

// Field IDs.
const (
	FieldVersion  uint16 = 1
	FieldRandom   uint16 = 2
	FieldKeyShare uint16 = 3

	FieldSuites uint16 = 10
	FieldSuite  uint16 = 11

	FieldSessionID uint16 = 20
	FieldBinder    uint16 = 21
	FieldResumed   uint16 = 22

	FieldCertificate uint16 = 30
	FieldSignature   uint16 = 31

	FieldVerifyData uint16 = 40
)

var ErrEmptyMessage = errors.New("schema: empty message")

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint8
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint8][]Requirement{
	MsgClientHello: {
		{FieldVersion, tlv.TypeU16},
		{FieldRandom, tlv.TypeBytes},
		{FieldKeyShare, tlv.TypeBytes},
		{FieldSuites, tlv.TypeBytes},
	},
	MsgServerHello: {
		{FieldVersion, tlv.TypeU16},
		{FieldRandom, tlv.TypeBytes},
		{FieldKeyShare, tlv.TypeBytes},
		{FieldSuite, tlv.TypeU8},
		{FieldSessionID, tlv.TypeBytes},
		{FieldResumed, tlv.TypeBool},
	},
	// An anonymous server sends an empty certificate message.
	MsgCertificate: {},
	MsgCertificateVerify: {
		{FieldSignature, tlv.TypeBytes},
	},
	MsgFinished: {
		{FieldVerifyData, tlv.TypeBytes},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint8, fields tlv.Fields) error {
	logs.Tracef("schema.Validate message_type=%d fields=%d", messageType, len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		logs.Warnf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := fields.Get(req.ID)
		if !found {
			logs.Warnf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			logs.Warnf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Encode lays out a message as its type byte followed by the fields.
func Encode(messageType uint8, fields ...tlv.Field) []byte {
	body := tlv.EncodeFields(fields...)
	out := make([]byte, 0, 1+len(body))
	out = append(out, messageType)
	return append(out, body...)
}

// Decode splits and validates a message. want, when non-zero, is the
// only message type accepted.
func Decode(b []byte, want uint8) (tlv.Fields, error) {
	if len(b) == 0 {
		return nil, ErrEmptyMessage
	}
	if want != 0 && b[0] != want {
		return nil, ValidationError{MessageType: b[0], Reason: fmt.Sprintf("unexpected message, want %d", want)}
	}
	fields, err := tlv.DecodeFields(b[1:])
	if err != nil {
		return nil, err
	}
	if err := Validate(b[0], fields); err != nil {
		return nil, err
	}
	return fields, nil
}
