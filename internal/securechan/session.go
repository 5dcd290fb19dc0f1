package securechan

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Session is the resumable state of an established channel. It is what
// crosses a detach: the peer proves knowledge of Secret to resume.
type Session struct {
	ID        []byte   `cbor:"1,keyasint"`
	Suite     Suite    `cbor:"2,keyasint"`
	Secret    []byte   `cbor:"3,keyasint"`
	Mode      Mode     `cbor:"4,keyasint"`
	PeerChain [][]byte `cbor:"5,keyasint,omitempty"`
}

const sessionIDLen = 16

var (
	sessionEnc cbor.EncMode
	sessionDec cbor.DecMode
)

func init() {
	var err error
	sessionEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	sessionDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func (s *Session) validate() error {
	if len(s.ID) != sessionIDLen {
		return fmt.Errorf("%w: id length %d", ErrInvalidSession, len(s.ID))
	}
	if len(s.Secret) != secretLen {
		return fmt.Errorf("%w: secret length %d", ErrInvalidSession, len(s.Secret))
	}
	if !s.Suite.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidSession, s.Suite)
	}
	if s.Mode < ModeUntrusted || s.Mode > ModeTrusted {
		return fmt.Errorf("%w: mode %d", ErrInvalidSession, s.Mode)
	}
	return nil
}

func (s *Session) clone() *Session {
	c := *s
	c.ID = append([]byte(nil), s.ID...)
	c.Secret = append([]byte(nil), s.Secret...)
	c.PeerChain = append([][]byte(nil), s.PeerChain...)
	return &c
}

// MarshalSession encodes s for transfer.
func MarshalSession(s *Session) ([]byte, error) {
	if s == nil {
		return nil, ErrNoSession
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return sessionEnc.Marshal(s)
}

// UnmarshalSession decodes and validates an exported session.
func UnmarshalSession(b []byte) (*Session, error) {
	var s Session
	if err := sessionDec.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
