package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/danmuck/iolink/internal/handshake"
	"github.com/danmuck/iolink/internal/jobs"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/securechan"
)

var (
	ErrNotConnected     = errors.New("endpoint: not connected")
	ErrHeartbeatTimeout = errors.New("endpoint: heartbeat timeout")
	ErrClosedByPeer     = errors.New("endpoint: connection closed by peer")
	ErrHostnameResolve  = errors.New("endpoint: hostname resolution failed")
	ErrNotServer        = errors.New("endpoint: operation needs the server role")
	ErrDetachInProgress = errors.New("endpoint: detach in progress")
	ErrBundleConsumed   = errors.New("endpoint: bundle already attached")
	ErrNoHandle         = errors.New("endpoint: no socket handle")
	ErrBundleDigest     = errors.New("endpoint: bundle digest mismatch")
	ErrNotAttachPackage = errors.New("endpoint: not an attach package")
	ErrPlainOnSecure    = errors.New("endpoint: unprotected package on a secure route")
)

// Code is the connection error recorded when an endpoint leaves Connected.
type Code int

const (
	CodeNone Code = iota
	CodeUnknown
	CodeConnectionTimeout
	CodeHeartbeatTimeout
	CodeHandshake
	CodeProtocolVersion
	CodeSecureHandshake
	CodeRoutingTableAccept
	CodeHostnameResolve
	CodeDuplicateIdentity
	CodeClosedByPeer
	CodeMalformed
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeUnknown:
		return "unknown"
	case CodeConnectionTimeout:
		return "connection_timeout"
	case CodeHeartbeatTimeout:
		return "heartbeat_timeout"
	case CodeHandshake:
		return "handshake"
	case CodeProtocolVersion:
		return "protocol_version"
	case CodeSecureHandshake:
		return "secure_handshake"
	case CodeRoutingTableAccept:
		return "routing_table_accept"
	case CodeHostnameResolve:
		return "hostname_resolve"
	case CodeDuplicateIdentity:
		return "duplicate_identity"
	case CodeClosedByPeer:
		return "closed_by_peer"
	case CodeMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// CodeOf maps an error from connecting or running an endpoint to its code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrHostnameResolve):
		return CodeHostnameResolve
	case errors.Is(err, handshake.ErrTimeout):
		return CodeConnectionTimeout
	case errors.Is(err, handshake.ErrProtocolVersion):
		return CodeProtocolVersion
	case errors.Is(err, handshake.ErrRoutingRejected):
		return CodeRoutingTableAccept
	case errors.Is(err, handshake.ErrSecureChannel), errors.Is(err, handshake.ErrSessionNotResumed):
		return CodeSecureHandshake
	case errors.Is(err, handshake.ErrDuplicateIdentity):
		return CodeDuplicateIdentity
	case errors.Is(err, handshake.ErrMalformed), errors.Is(err, handshake.ErrPeerClosed):
		return CodeHandshake
	case errors.Is(err, ErrHeartbeatTimeout):
		return CodeHeartbeatTimeout
	case errors.Is(err, ErrClosedByPeer), closedByPeer(err):
		return CodeClosedByPeer
	case errors.Is(err, packet.ErrMalformedPackage), errors.Is(err, ErrPlainOnSecure):
		return CodeMalformed
	default:
		return CodeUnknown
	}
}

// Kind groups errors by what the caller should do about them.
type Kind int

const (
	KindNone Kind = iota
	// KindTransportFatal tears the connection down.
	KindTransportFatal
	// KindHandshakeFatal ends a connection attempt. Retrying needs a new
	// connection.
	KindHandshakeFatal
	// KindLiveness means the peer went silent.
	KindLiveness
	// KindJobLevel concerns one send and leaves the connection alone.
	KindJobLevel
	// KindResource means a local limit was hit; retry later.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransportFatal:
		return "transport_fatal"
	case KindHandshakeFatal:
		return "handshake_fatal"
	case KindLiveness:
		return "liveness"
	case KindJobLevel:
		return "job_level"
	case KindResource:
		return "resource"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Fatal reports whether errors of this kind end the connection.
func (k Kind) Fatal() bool {
	return k == KindTransportFatal || k == KindHandshakeFatal || k == KindLiveness
}

// Classify sorts err into a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, jobs.ErrPoolExhausted), errors.Is(err, jobs.ErrSendQueueFull):
		return KindResource
	case errors.Is(err, ErrHeartbeatTimeout):
		return KindLiveness
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, jobs.ErrNilPackage), errors.Is(err, packet.ErrNilPackage),
		errors.Is(err, packet.ErrBufferIndex), errors.Is(err, packet.ErrUnknownEncoding):
		return KindJobLevel
	case errors.Is(err, ErrDetachInProgress), errors.Is(err, ErrNotServer), errors.Is(err, ErrBundleConsumed),
		errors.Is(err, ErrNotAttachPackage), errors.Is(err, ErrBundleDigest):
		return KindJobLevel
	}
	switch CodeOf(err) {
	case CodeConnectionTimeout, CodeHandshake, CodeProtocolVersion, CodeSecureHandshake,
		CodeRoutingTableAccept, CodeDuplicateIdentity:
		return KindHandshakeFatal
	}
	return KindTransportFatal
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func closedByPeer(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var alert securechan.AlertError
	return errors.As(err, &alert)
}
