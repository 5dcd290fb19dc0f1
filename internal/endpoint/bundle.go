package endpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/danmuck/iolink/internal/platform/fdpass"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/securechan"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Bundle is a detached live connection: a duplicated socket handle and the
// state needed to resume it under a new owner. It attaches at most once.
type Bundle struct {
	Role            securechan.Role   `cbor:"1,keyasint"`
	PeerVersion     protocol.Version  `cbor:"2,keyasint"`
	PeerDescription string            `cbor:"3,keyasint,omitempty"`
	Peer            protocol.Identity `cbor:"4,keyasint"`
	Local           protocol.Identity `cbor:"5,keyasint"`
	// Routing is the accepted table in wire form.
	Routing []byte `cbor:"6,keyasint"`
	// Session is the exported secure channel session.
	Session []byte `cbor:"7,keyasint"`
	// ReadAhead holds raw bytes taken off the socket but not consumed.
	ReadAhead []byte `cbor:"8,keyasint,omitempty"`
	// Additional is an encoded package for the next owner.
	Additional []byte `cbor:"9,keyasint,omitempty"`
	Digest     []byte `cbor:"10,keyasint"`

	File *os.File `cbor:"-"`

	consumed atomic.Bool
}

var (
	bundleEnc cbor.EncMode
	bundleDec cbor.DecMode
)

func init() {
	var err error
	bundleEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	bundleDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func (b *Bundle) digest() []byte {
	h := blake3.New()
	var n [4]byte
	parts := [][]byte{b.Routing, b.Session, b.ReadAhead, b.Additional, b.Peer.ConnectionID[:], b.Local.ConnectionID[:]}
	for _, part := range parts {
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(part)
	}
	return h.Sum(nil)
}

func (b *Bundle) seal() {
	b.Digest = b.digest()
}

func (b *Bundle) verify() error {
	if !bytes.Equal(b.Digest, b.digest()) {
		return ErrBundleDigest
	}
	return nil
}

// Consumed reports whether the bundle was attached or closed.
func (b *Bundle) Consumed() bool {
	return b.consumed.Load()
}

// AdditionalPackage decodes the package handed over with the bundle, or
// returns nil when there is none.
func (b *Bundle) AdditionalPackage() (*packet.Package, error) {
	if len(b.Additional) == 0 {
		return nil, nil
	}
	return packet.Decode(b.Additional)
}

// Close drops an unattached bundle and its socket handle.
func (b *Bundle) Close() error {
	if !b.consumed.CompareAndSwap(false, true) {
		return nil
	}
	if b.File == nil {
		return nil
	}
	err := b.File.Close()
	b.File = nil
	return err
}

// MarshalBundle encodes b without its socket handle.
func MarshalBundle(b *Bundle) ([]byte, error) {
	if len(b.Digest) == 0 {
		b.seal()
	}
	return bundleEnc.Marshal(b)
}

// UnmarshalBundle decodes and verifies a bundle. The result has no socket
// handle.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := bundleDec.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("endpoint: decode bundle: %w", err)
	}
	if err := b.verify(); err != nil {
		return nil, err
	}
	return &b, nil
}

// SendBundle hands b to another process as an attach package with the
// socket handle attached. b stays owned by the caller, who should Close it
// afterwards.
func SendBundle(uc *net.UnixConn, b *Bundle) error {
	if b.File == nil {
		return ErrNoHandle
	}
	body, err := MarshalBundle(b)
	if err != nil {
		return err
	}
	pkg, err := packet.NewWithData(protocol.MngAttachClient, packet.EncodingRaw, body)
	if err != nil {
		return err
	}
	wire, err := packet.Encode(pkg)
	if err != nil {
		return err
	}
	return fdpass.WriteMessage(uc, wire, b.File)
}

// ReceiveBundle reads one attach package written by SendBundle.
func ReceiveBundle(uc *net.UnixConn) (*Bundle, error) {
	wire, files, err := fdpass.ReadMessage(uc)
	if err != nil {
		return nil, err
	}
	closeFiles := func(fs []*os.File) {
		for _, f := range fs {
			_ = f.Close()
		}
	}
	pkg, err := packet.Decode(wire)
	if err != nil {
		closeFiles(files)
		return nil, err
	}
	if pkg.Type != protocol.MngAttachClient || len(pkg.Buffers) != 1 {
		closeFiles(files)
		return nil, fmt.Errorf("%w: type %d", ErrNotAttachPackage, pkg.Type)
	}
	body, err := pkg.Data(0)
	if err != nil {
		closeFiles(files)
		return nil, err
	}
	b, err := UnmarshalBundle(body)
	if err != nil {
		closeFiles(files)
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoHandle
	}
	b.File = files[0]
	closeFiles(files[1:])
	return b, nil
}
