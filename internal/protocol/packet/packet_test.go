package packet

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
)

func samplePackage(t *testing.T) *Package {
	t.Helper()
	p := New(7000, 3)
	p.ParentID = uuid.New()
	p.SenderID = uuid.New()
	p.ReceiverID = uuid.New()
	p.NumericID = 99
	if err := p.SetBuffer(0, EncodingRaw, []byte("0123456789")); err != nil {
		t.Fatalf("set buffer 0: %v", err)
	}
	if err := p.SetBuffer(1, EncodingRawAligned, nil); err != nil {
		t.Fatalf("set buffer 1: %v", err)
	}
	if err := p.SetBuffer(2, EncodingRaw, bytes.Repeat([]byte{0xAB}, 300)); err != nil {
		t.Fatalf("set buffer 2: %v", err)
	}
	return p
}

func assertSamePackage(t *testing.T, got, want *Package) {
	t.Helper()
	if got.ID != want.ID || got.ParentID != want.ParentID || got.SenderID != want.SenderID ||
		got.ReceiverID != want.ReceiverID || got.Type != want.Type || got.NumericID != want.NumericID {
		t.Fatalf("header mismatch: got=%v want=%v", got, want)
	}
	if len(got.Buffers) != len(want.Buffers) {
		t.Fatalf("buffer count mismatch: got=%d want=%d", len(got.Buffers), len(want.Buffers))
	}
	for i := range want.Buffers {
		if got.Buffers[i].Encoding != want.Buffers[i].Encoding || !bytes.Equal(got.Buffers[i].Data, want.Buffers[i].Data) {
			t.Fatalf("buffer %d mismatch", i)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := samplePackage(t)
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != in.WireSize() {
		t.Fatalf("wire size=%d want %d", len(b), in.WireSize())
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertSamePackage(t, out, in)
}

func TestReadWritePackageRoundTrip(t *testing.T) {
	in := samplePackage(t)
	var buf bytes.Buffer
	if err := WritePackage(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write package: %v", err)
	}
	out, err := ReadPackage(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read package: %v", err)
	}
	assertSamePackage(t, out, in)
	if _, err := ReadPackage(&buf, DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on drained stream, got %v", err)
	}
}

func TestDecodeDetectsEverySingleHeaderByteCorruption(t *testing.T) {
	b, err := Encode(samplePackage(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < crcOffset; i++ {
		corrupt := append([]byte(nil), b...)
		corrupt[i] ^= 0x5A
		if _, err := Decode(corrupt); !errors.Is(err, ErrMalformedPackage) {
			t.Fatalf("byte %d: expected ErrMalformedPackage, got %v", i, err)
		}
	}
}

func TestDecodeTruncatedAndInconsistent(t *testing.T) {
	b, err := Encode(samplePackage(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{name: "short header", in: b[:HeaderSize-1], want: ErrTruncated},
		{name: "missing descriptors", in: b[:HeaderSize+4], want: ErrBufferCount},
		{name: "short payload", in: b[:len(b)-1], want: ErrTruncated},
		{name: "trailing bytes", in: append(append([]byte(nil), b...), 0), want: ErrBufferCount},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrMalformedPackage) {
				t.Fatalf("expected ErrMalformedPackage family, got %v", err)
			}
		})
	}
}

func TestReadPackageEnforcesLimits(t *testing.T) {
	p := New(1, 2)
	if err := p.SetBuffer(1, EncodingRaw, make([]byte, 64)); err != nil {
		t.Fatalf("set buffer: %v", err)
	}
	b, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = ReadPackage(bytes.NewReader(b), Limits{MaxBuffers: 1, MaxBufferBytes: 1024})
	if !errors.Is(err, ErrBufferCount) {
		t.Fatalf("expected ErrBufferCount, got %v", err)
	}
	_, err = ReadPackage(bytes.NewReader(b), Limits{MaxBuffers: 2, MaxBufferBytes: 32})
	if !errors.Is(err, ErrBufferTooLarge) {
		t.Fatalf("expected ErrBufferTooLarge, got %v", err)
	}
}

func TestChecksumMatchesX25CheckValue(t *testing.T) {
	if got := checksum([]byte("123456789")); got != 0x906E {
		t.Fatalf("checksum=%#04x want 0x906e", got)
	}
}

func TestResponseHelpers(t *testing.T) {
	req := New(7, 0)
	req.SenderID = uuid.New()

	direct := MakeDirectResponse(req, 7, 1)
	if direct.ParentID != req.ID || direct.ReceiverID != req.SenderID || !direct.IsResponse() {
		t.Fatalf("direct response addressing wrong: %v", direct)
	}
	broadcast := MakeBroadcastResponse(req, 7, 0)
	if broadcast.ParentID != req.ID || broadcast.ReceiverID != uuid.Nil {
		t.Fatalf("broadcast response addressing wrong: %v", broadcast)
	}
	forward := MakeForwardRequest(req, 8, 0)
	if forward.SenderID != req.SenderID || forward.IsResponse() {
		t.Fatalf("forward request addressing wrong: %v", forward)
	}
}

func TestAssignNumericIDIsStable(t *testing.T) {
	p := New(1, 0)
	first := AssignNumericID(p)
	if first == 0 {
		t.Fatalf("numeric id must be non-zero")
	}
	if again := AssignNumericID(p); again != first {
		t.Fatalf("numeric id reassigned: %d -> %d", first, again)
	}
	if next := AssignNumericID(New(1, 0)); next <= first {
		t.Fatalf("numeric ids not increasing: %d then %d", first, next)
	}
}

func TestReleaseCallbackRunsOnce(t *testing.T) {
	p := New(1, 0)
	calls := 0
	p.OnRelease(func() { calls++ })
	p.Retain()
	p.Release()
	if calls != 0 {
		t.Fatalf("callback ran with an owner left")
	}
	p.Release()
	p.Release()
	if calls != 1 {
		t.Fatalf("callback calls=%d want 1", calls)
	}
}
