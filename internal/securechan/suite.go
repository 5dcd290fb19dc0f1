package securechan

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Suite selects the record AEAD.
type Suite uint8

const (
	SuiteChaCha20Poly1305 Suite = 1
	SuiteAES256GCM        Suite = 2
)

// DefaultSuites is the preference order offered and accepted.
var DefaultSuites = []Suite{SuiteChaCha20Poly1305, SuiteAES256GCM}

func (s Suite) String() string {
	switch s {
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	case SuiteAES256GCM:
		return "aes-256-gcm"
	default:
		return fmt.Sprintf("suite(%d)", uint8(s))
	}
}

func (s Suite) valid() bool {
	return s == SuiteChaCha20Poly1305 || s == SuiteAES256GCM
}

const (
	keyLen    = 32
	ivLen     = 12
	secretLen = 32
)

func (s Suite) aead(key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoCommonSuite, s)
	}
}

func (s Suite) halfConn(key, iv []byte) (*halfConn, error) {
	a, err := s.aead(key)
	if err != nil {
		return nil, err
	}
	return &halfConn{aead: a, iv: iv}, nil
}

// schedule derives every handshake and traffic secret from one
// extracted key. ikm is the X25519 output, followed by the resumption
// secret on a resumed handshake; the salt is the hello transcript hash.
type schedule struct {
	prk []byte
}

func newSchedule(shared, resumption, helloHash []byte) schedule {
	ikm := make([]byte, 0, len(shared)+len(resumption))
	ikm = append(ikm, shared...)
	ikm = append(ikm, resumption...)
	return schedule{prk: hkdf.Extract(sha256.New, ikm, helloHash)}
}

func (k schedule) expand(label string, context []byte, n int) []byte {
	info := make([]byte, 0, len(label)+1+len(context))
	info = append(info, "iolink "+label...)
	info = append(info, 0)
	info = append(info, context...)
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, k.prk, info), out); err != nil {
		panic("securechan: hkdf expand: " + err.Error())
	}
	return out
}

// directions returns the client and server protection for a phase.
func (k schedule) directions(s Suite, phase string, th []byte) (client, server *halfConn, err error) {
	client, err = s.halfConn(k.expand("c "+phase+" key", th, keyLen), k.expand("c "+phase+" iv", th, ivLen))
	if err != nil {
		return nil, nil, err
	}
	server, err = s.halfConn(k.expand("s "+phase+" key", th, keyLen), k.expand("s "+phase+" iv", th, ivLen))
	if err != nil {
		return nil, nil, err
	}
	return client, server, nil
}

func (k schedule) finished(side string, th []byte) []byte {
	mac := hmac.New(sha256.New, k.expand(side+" finished", nil, keyLen))
	mac.Write(th)
	return mac.Sum(nil)
}

// binder proves knowledge of a resumption secret for one client hello.
func binder(secret, random, share, sessionID []byte) []byte {
	key := schedule{prk: secret}.expand("binder", nil, keyLen)
	mac := hmac.New(sha256.New, key)
	mac.Write(random)
	mac.Write(share)
	mac.Write(sessionID)
	return mac.Sum(nil)
}
