package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/iolink/internal/protocol/tlv"
	"github.com/danmuck/iolink/internal/testutil/testlog"
)

func clientHelloFields() []tlv.Field {
	return []tlv.Field{
		tlv.U16(FieldVersion, 1),
		tlv.Bytes(FieldRandom, make([]byte, 32)),
		tlv.Bytes(FieldKeyShare, make([]byte, 32)),
		tlv.Bytes(FieldSuites, []byte{1, 2}),
	}
}

func TestValidateClientHelloRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgClientHello, clientHelloFields()); err != nil {
		t.Fatalf("validate client hello: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(clientHelloFields(), tlv.Bytes(9999, []byte{0x01}))
	if err := Validate(MsgClientHello, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := tlv.Fields{tlv.U16(FieldVersion, 1)}
	err := Validate(MsgClientHello, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldRandom || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := clientHelloFields()
	fields[3] = tlv.U8(FieldSuites, 1)
	err := Validate(MsgClientHello, fields)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.FieldID != FieldSuites || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateEmptyCertificateAllowed(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgCertificate, nil); err != nil {
		t.Fatalf("anonymous certificate message: %v", err)
	}
	if err := Validate(42, nil); err == nil {
		t.Fatalf("unknown message type must fail")
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	testlog.Start(t)
	b := Encode(MsgFinished, tlv.Bytes(FieldVerifyData, []byte{1, 2, 3}))
	fields, err := Decode(b, MsgFinished)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := fields.Bytes(FieldVerifyData); err != nil || len(v) != 3 {
		t.Fatalf("verify data=%v,%v", v, err)
	}
	if _, err := Decode(b, MsgServerHello); err == nil {
		t.Fatalf("wrong message type must fail")
	}
	if _, err := Decode(nil, 0); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}
