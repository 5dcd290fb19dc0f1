package protocol

import "errors"

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic")
	ErrUnsupportedVersion = errors.New("protocol: unsupported major version")
	ErrTruncated          = errors.New("protocol: truncated data")
	ErrInvalidLength      = errors.New("protocol: invalid length")
	ErrDescriptionTooLong = errors.New("protocol: description too long")
	ErrNilIdentity        = errors.New("protocol: nil connection identity")
)
