package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestPreambleRoundTrip(t *testing.T) {
	in := Preamble{Version: Current, Description: "iolink test build"}
	var buf bytes.Buffer
	if err := WritePreamble(&buf, in); err != nil {
		t.Fatalf("write preamble: %v", err)
	}
	if buf.Len() != PreambleSize {
		t.Fatalf("preamble size=%d want %d", buf.Len(), PreambleSize)
	}
	out, err := ReadPreamble(&buf)
	if err != nil {
		t.Fatalf("read preamble: %v", err)
	}
	if out != in {
		t.Fatalf("preamble mismatch: got=%+v want=%+v", out, in)
	}
}

func TestDecodePreambleInvalidMagic(t *testing.T) {
	buf, err := EncodePreamble(Preamble{Version: Current})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf[0] = 'X'
	if _, err := DecodePreamble(buf); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadPreambleTruncated(t *testing.T) {
	_, err := ReadPreamble(bytes.NewReader([]byte("PRLT")))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestEncodePreambleDescriptionTooLong(t *testing.T) {
	_, err := EncodePreamble(Preamble{Description: string(make([]byte, DescriptionLen+1))})
	if !errors.Is(err, ErrDescriptionTooLong) {
		t.Fatalf("expected ErrDescriptionTooLong, got %v", err)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	in := Identity{SenderType: SenderDispatcher, ConnectionID: uuid.New()}
	var buf bytes.Buffer
	if err := WriteIdentity(&buf, in); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	out, err := ReadIdentity(&buf)
	if err != nil {
		t.Fatalf("read identity: %v", err)
	}
	if out != in {
		t.Fatalf("identity mismatch: got=%v want=%v", out, in)
	}
}

func TestIdentityRejectsNil(t *testing.T) {
	if _, err := EncodeIdentity(Identity{SenderType: SenderClient}); !errors.Is(err, ErrNilIdentity) {
		t.Fatalf("expected ErrNilIdentity, got %v", err)
	}
	if _, err := DecodeIdentity(make([]byte, IdentitySize)); !errors.Is(err, ErrNilIdentity) {
		t.Fatalf("expected ErrNilIdentity on decode, got %v", err)
	}
}

func TestNegotiateUsesPairwiseMinimum(t *testing.T) {
	tests := []struct {
		name   string
		ours   Version
		theirs Version
		check  func(Capabilities) bool
	}{
		{
			name:   "older peer disables extended encodings",
			ours:   Version{6, 8},
			theirs: Version{6, 2},
			check: func(c Capabilities) bool {
				return c.Heartbeat && c.BinaryResponse && !c.ExtendedEncodings && !c.EventNumericID
			},
		},
		{
			name:   "newer peer is capped at ours",
			ours:   Version{6, 3},
			theirs: Version{6, 9},
			check: func(c Capabilities) bool {
				return c.ExtendedEncodings && !c.AttachFlags && c.Version == Version{6, 3}
			},
		},
		{
			name:   "released protocol has no heartbeat",
			ours:   Version{6, 8},
			theirs: Version{6, 0},
			check:  func(c Capabilities) bool { return !c.Heartbeat },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := Negotiate(tc.ours, tc.theirs)
			if err != nil {
				t.Fatalf("negotiate: %v", err)
			}
			b, err := Negotiate(tc.theirs, tc.ours)
			if err != nil {
				t.Fatalf("negotiate swapped: %v", err)
			}
			if a != b {
				t.Fatalf("negotiation not symmetric: %+v vs %+v", a, b)
			}
			if !tc.check(a) {
				t.Fatalf("unexpected capabilities: %+v", a)
			}
		})
	}
}

func TestNegotiateMajorMismatch(t *testing.T) {
	_, err := Negotiate(Version{6, 8}, Version{5, 9})
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestParseSenderTypeRoundTrips(t *testing.T) {
	for s := SenderVM; s <= SenderIOCtClient; s++ {
		got, err := ParseSenderType(s.String())
		if err != nil || got != s {
			t.Fatalf("parse %q = %v,%v", s.String(), got, err)
		}
	}
	if _, err := ParseSenderType("toaster"); err == nil {
		t.Fatalf("unknown sender type accepted")
	}
}
