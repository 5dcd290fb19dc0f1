// Package auth decides who may use a connection or the status API.
//
// Ownership boundary:
// - peer acceptance by secure channel classification
// - bearer tokens for the status API
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/danmuck/iolink/internal/protocol/session"
	"github.com/danmuck/iolink/internal/securechan"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrPeerRejected = errors.New("auth: peer security mode rejected")
)

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a simple validator for a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// ModePolicy accepts a peer by the classification of its secure channel.
type ModePolicy struct {
	AcceptSelfSigned bool
	AcceptUntrusted  bool
}

// PolicyFromCredentials derives the client acceptance policy from
// connection settings.
func PolicyFromCredentials(c session.CredentialsConfig) ModePolicy {
	return ModePolicy{
		AcceptSelfSigned: c.AcceptSelfSigned,
		AcceptUntrusted:  c.AcceptUntrusted,
	}
}

// Permissive accepts every established channel.
func Permissive() ModePolicy {
	return ModePolicy{AcceptSelfSigned: true, AcceptUntrusted: true}
}

func (p ModePolicy) Authorize(mode securechan.Mode) error {
	switch mode {
	case securechan.ModeTrusted:
		return nil
	case securechan.ModeSelfSigned:
		if p.AcceptSelfSigned {
			return nil
		}
	case securechan.ModeUntrusted:
		if p.AcceptUntrusted {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPeerRejected, mode)
}
