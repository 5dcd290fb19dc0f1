package securechan

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/danmuck/iolink/internal/protocol/schema"
	"github.com/danmuck/iolink/internal/protocol/tlv"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
)

// channelVersion is carried in both hellos.
const channelVersion uint16 = 1

const (
	randomLen = 32
	shareLen  = curve25519.PointSize
)

var verifyContext = []byte("iolink server certificate verify\x00")

type handshakeState struct {
	c    *Channel
	role Role
	prev *Session

	transcript *blake3.Hasher
	in, out    *halfConn

	session *Session
	resumed bool
}

func (hs *handshakeState) th() []byte {
	return hs.transcript.Sum(nil)
}

func (hs *handshakeState) writePlain(msg []byte) error {
	hs.transcript.Write(msg)
	return writeRecord(hs.c.conn, TagPlain, msg)
}

func (hs *handshakeState) writeSealed(msg []byte) error {
	hs.transcript.Write(msg)
	return writeRecord(hs.c.conn, TagHandshake, hs.out.seal(TagHandshake, msg))
}

// readMsg reads the next handshake record. sealed selects the protected
// form. The message is added to the transcript after validation.
func (hs *handshakeState) readMsg(want uint8, sealed bool) (tlv.Fields, error) {
	tag, payload, err := readRecord(hs.c.br)
	if err != nil {
		return nil, err
	}
	if tag == TagAlert {
		return nil, AlertError{Code: payload[0]}
	}
	wantTag := TagPlain
	if sealed {
		wantTag = TagHandshake
	}
	if tag != wantTag {
		return nil, fmt.Errorf("%w: %#x want %#x", ErrUnexpectedTag, tag, wantTag)
	}
	msg := payload
	if sealed {
		if msg, err = hs.in.open(TagHandshake, payload); err != nil {
			return nil, err
		}
	}
	fields, err := schema.Decode(msg, want)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	hs.transcript.Write(msg)
	return fields, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

func keyShare() (priv, pub []byte, err error) {
	priv, err = randomBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	return priv, pub, err
}

func encodeSuites(suites []Suite) []byte {
	out := make([]byte, len(suites))
	for i, s := range suites {
		out[i] = byte(s)
	}
	return out
}

func offers(list []byte, s Suite) bool {
	return bytes.IndexByte(list, byte(s)) >= 0
}

func (hs *handshakeState) client() error {
	hs.transcript = blake3.New()
	creds := hs.c.creds

	priv, pub, err := keyShare()
	if err != nil {
		return err
	}
	random, err := randomBytes(randomLen)
	if err != nil {
		return err
	}
	suites := creds.suites()
	fields := []tlv.Field{
		tlv.U16(schema.FieldVersion, channelVersion),
		tlv.Bytes(schema.FieldRandom, random),
		tlv.Bytes(schema.FieldKeyShare, pub),
		tlv.Bytes(schema.FieldSuites, encodeSuites(suites)),
	}
	offer := hs.prev
	if offer != nil && offers(encodeSuites(suites), offer.Suite) {
		fields = append(fields,
			tlv.Bytes(schema.FieldSessionID, offer.ID),
			tlv.Bytes(schema.FieldBinder, binder(offer.Secret, random, pub, offer.ID)),
		)
	} else {
		offer = nil
	}
	if err := hs.writePlain(schema.Encode(schema.MsgClientHello, fields...)); err != nil {
		return err
	}

	sh, err := hs.readMsg(schema.MsgServerHello, false)
	if err != nil {
		return err
	}
	suiteID, _ := sh.U8(schema.FieldSuite)
	suite := Suite(suiteID)
	if !suite.valid() || !offers(encodeSuites(suites), suite) {
		return fmt.Errorf("%w: server chose %s", ErrNoCommonSuite, suite)
	}
	peerShare, _ := sh.Bytes(schema.FieldKeyShare)
	sessionID, _ := sh.Bytes(schema.FieldSessionID)
	resumed, _ := sh.Bool(schema.FieldResumed)
	if len(sessionID) != sessionIDLen {
		return fmt.Errorf("%w: session id length %d", ErrHandshake, len(sessionID))
	}
	var resumption []byte
	if resumed {
		if offer == nil || !bytes.Equal(sessionID, offer.ID) || suite != offer.Suite {
			return fmt.Errorf("%w: unsolicited resumption", ErrHandshake)
		}
		resumption = offer.Secret
	}
	shared, err := curve25519.X25519(priv, peerShare)
	if err != nil {
		return fmt.Errorf("%w: key share: %v", ErrHandshake, err)
	}
	ks := newSchedule(shared, resumption, hs.th())
	cHS, sHS, err := ks.directions(suite, "hs", nil)
	if err != nil {
		return err
	}
	hs.in, hs.out = sHS, cHS

	var chain [][]byte
	mode := ModeUnknown
	if resumed {
		chain = offer.PeerChain
		mode = offer.Mode
	} else {
		cert, err := hs.readMsg(schema.MsgCertificate, true)
		if err != nil {
			return err
		}
		chain = cert.All(schema.FieldCertificate)
		if len(chain) > 0 {
			signed := hs.th()
			cv, err := hs.readMsg(schema.MsgCertificateVerify, true)
			if err != nil {
				return err
			}
			sig, _ := cv.Bytes(schema.FieldSignature)
			if err := verifyServer(chain, signed, sig); err != nil {
				return err
			}
		}
		if mode, err = Classify(chain, creds.roots()); err != nil {
			return err
		}
	}

	expected := ks.finished("s", hs.th())
	fin, err := hs.readMsg(schema.MsgFinished, true)
	if err != nil {
		return err
	}
	got, _ := fin.Bytes(schema.FieldVerifyData)
	if !hmac.Equal(got, expected) {
		return ErrBadFinished
	}
	if err := hs.writeSealed(schema.Encode(schema.MsgFinished,
		tlv.Bytes(schema.FieldVerifyData, ks.finished("c", hs.th())))); err != nil {
		return err
	}

	return hs.finish(ks, suite, sessionID, mode, chain, resumed)
}

func (hs *handshakeState) server() error {
	hs.transcript = blake3.New()
	creds := hs.c.creds

	ch, err := hs.readMsg(schema.MsgClientHello, false)
	if err != nil {
		return err
	}
	offered, _ := ch.Bytes(schema.FieldSuites)
	clientRandom, _ := ch.Bytes(schema.FieldRandom)
	peerShare, _ := ch.Bytes(schema.FieldKeyShare)

	var suite Suite
	for _, s := range creds.suites() {
		if offers(offered, s) {
			suite = s
			break
		}
	}
	if suite == 0 {
		return ErrNoCommonSuite
	}

	var resumption []byte
	sessionID, sidErr := ch.Bytes(schema.FieldSessionID)
	if sidErr == nil && hs.prev != nil && bytes.Equal(sessionID, hs.prev.ID) && offers(offered, hs.prev.Suite) {
		proof, _ := ch.Bytes(schema.FieldBinder)
		if hmac.Equal(proof, binder(hs.prev.Secret, clientRandom, peerShare, sessionID)) {
			hs.resumed = true
			suite = hs.prev.Suite
			resumption = hs.prev.Secret
		}
	}
	if !hs.resumed {
		if sessionID, err = randomBytes(sessionIDLen); err != nil {
			return err
		}
	}

	priv, pub, err := keyShare()
	if err != nil {
		return err
	}
	random, err := randomBytes(randomLen)
	if err != nil {
		return err
	}
	if err := hs.writePlain(schema.Encode(schema.MsgServerHello,
		tlv.U16(schema.FieldVersion, channelVersion),
		tlv.Bytes(schema.FieldRandom, random),
		tlv.Bytes(schema.FieldKeyShare, pub),
		tlv.U8(schema.FieldSuite, uint8(suite)),
		tlv.Bytes(schema.FieldSessionID, sessionID),
		tlv.Bool(schema.FieldResumed, hs.resumed),
	)); err != nil {
		return err
	}

	shared, err := curve25519.X25519(priv, peerShare)
	if err != nil {
		return fmt.Errorf("%w: key share: %v", ErrHandshake, err)
	}
	ks := newSchedule(shared, resumption, hs.th())
	cHS, sHS, err := ks.directions(suite, "hs", nil)
	if err != nil {
		return err
	}
	hs.in, hs.out = cHS, sHS

	var chain [][]byte
	var mode Mode
	if hs.resumed {
		chain = hs.prev.PeerChain
		mode = hs.prev.Mode
	} else {
		if creds != nil {
			chain = creds.Chain
		}
		certFields := make([]tlv.Field, 0, len(chain))
		for _, der := range chain {
			certFields = append(certFields, tlv.Bytes(schema.FieldCertificate, der))
		}
		if err := hs.writeSealed(schema.Encode(schema.MsgCertificate, certFields...)); err != nil {
			return err
		}
		if len(chain) > 0 {
			sig := ed25519.Sign(creds.Key, append(append([]byte(nil), verifyContext...), hs.th()...))
			if err := hs.writeSealed(schema.Encode(schema.MsgCertificateVerify,
				tlv.Bytes(schema.FieldSignature, sig))); err != nil {
				return err
			}
		}
		if mode, err = Classify(chain, creds.roots()); err != nil {
			return err
		}
	}

	if err := hs.writeSealed(schema.Encode(schema.MsgFinished,
		tlv.Bytes(schema.FieldVerifyData, ks.finished("s", hs.th())))); err != nil {
		return err
	}
	expected := ks.finished("c", hs.th())
	fin, err := hs.readMsg(schema.MsgFinished, true)
	if err != nil {
		return err
	}
	got, _ := fin.Bytes(schema.FieldVerifyData)
	if !hmac.Equal(got, expected) {
		return ErrBadFinished
	}

	return hs.finish(ks, suite, sessionID, mode, chain, hs.resumed)
}

// finish installs traffic keys and the resumable session.
func (hs *handshakeState) finish(ks schedule, suite Suite, sessionID []byte, mode Mode, chain [][]byte, resumed bool) error {
	final := hs.th()
	cAP, sAP, err := ks.directions(suite, "ap", final)
	if err != nil {
		return err
	}
	if hs.role == Initiator {
		hs.in, hs.out = sAP, cAP
	} else {
		hs.in, hs.out = cAP, sAP
	}
	hs.resumed = resumed
	hs.session = &Session{
		ID:        append([]byte(nil), sessionID...),
		Suite:     suite,
		Secret:    ks.expand("resumption", final, secretLen),
		Mode:      mode,
		PeerChain: chain,
	}
	return nil
}

func verifyServer(chain [][]byte, signed, sig []byte) error {
	leaf, _, err := parseChain(chain)
	if err != nil {
		return err
	}
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: leaf key is %T", ErrBadCertificate, leaf.PublicKey)
	}
	msg := append(append([]byte(nil), verifyContext...), signed...)
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}
