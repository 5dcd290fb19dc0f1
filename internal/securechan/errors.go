package securechan

import (
	"errors"
	"fmt"
)

var (
	ErrNotEstablished = errors.New("securechan: channel not established")
	ErrClosed         = errors.New("securechan: channel closed")
	ErrNotBound       = errors.New("securechan: no connection bound")
	ErrRecordLength   = errors.New("securechan: invalid record length")
	ErrUnexpectedTag  = errors.New("securechan: unexpected record tag")
	ErrDecrypt        = errors.New("securechan: record authentication failed")
	ErrHandshake      = errors.New("securechan: handshake failed")
	ErrNoCommonSuite  = errors.New("securechan: no common cipher suite")
	ErrBadCertificate = errors.New("securechan: bad certificate")
	ErrBadSignature   = errors.New("securechan: bad certificate signature")
	ErrBadFinished    = errors.New("securechan: finished verification failed")
	ErrInvalidSession = errors.New("securechan: invalid exported session")
	ErrNoSession      = errors.New("securechan: no session to export")
	ErrCredentials    = errors.New("securechan: invalid credentials")
)

// AlertError is a failure reported by the peer.
type AlertError struct {
	Code uint8
}

func (e AlertError) Error() string {
	return fmt.Sprintf("securechan: peer alert %d (%s)", e.Code, alertName(e.Code))
}

const (
	alertCloseNotify      uint8 = 0
	alertHandshakeFailure uint8 = 40
	alertBadCertificate   uint8 = 42
	alertDecryptError     uint8 = 51
	alertInternalError    uint8 = 80
)

func alertName(code uint8) string {
	switch code {
	case alertCloseNotify:
		return "close_notify"
	case alertHandshakeFailure:
		return "handshake_failure"
	case alertBadCertificate:
		return "bad_certificate"
	case alertDecryptError:
		return "decrypt_error"
	case alertInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

func alertFor(err error) uint8 {
	switch {
	case errors.Is(err, ErrBadCertificate), errors.Is(err, ErrBadSignature):
		return alertBadCertificate
	case errors.Is(err, ErrDecrypt), errors.Is(err, ErrBadFinished):
		return alertDecryptError
	case errors.Is(err, ErrHandshake), errors.Is(err, ErrNoCommonSuite):
		return alertHandshakeFailure
	default:
		return alertInternalError
	}
}
