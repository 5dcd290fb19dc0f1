// Package securechan owns record protection for one connection.
//
// Ownership boundary:
// - the record layer (plain, handshake, application data, alert)
// - the X25519 handshake, its resumption path and key schedule
// - security classification of the peer
// - session export and import across a detach
//
// The channel never closes the connection it is bound to.
package securechan

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/iolink/internal/logging"
)

// Role selects the handshake side.
type Role int

const (
	Initiator Role = iota
	Acceptor
)

func (r Role) String() string {
	if r == Acceptor {
		return "acceptor"
	}
	return "initiator"
}

// Channel protects a byte stream. Reads and writes use separate locks; a
// handshake holds both.
type Channel struct {
	creds *Credentials

	conn net.Conn
	br   *bufio.Reader

	readMu  sync.Mutex
	in      *halfConn
	pending []byte
	// pendingPlain marks pending as taken from a plain record; plainRead
	// records that Read returned such bytes since the last TakePlain.
	pendingPlain bool
	plainRead    bool

	writeMu sync.Mutex
	out     *halfConn

	stateMu     sync.RWMutex
	session     *Session
	established bool
	resumed     bool
	mode        Mode
	suite       Suite
	closed      bool
}

// New initialises a channel with creds. creds may be nil for a client
// that accepts any server.
func New(creds *Credentials) (*Channel, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	return &Channel{creds: creds}, nil
}

// Bind attaches conn. readAhead holds bytes already taken off conn by a
// previous owner; they are read before anything else.
func (c *Channel) Bind(conn net.Conn, readAhead []byte) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var src io.Reader = conn
	if len(readAhead) > 0 {
		src = io.MultiReader(bytes.NewReader(append([]byte(nil), readAhead...)), conn)
	}
	c.conn = conn
	c.br = bufio.NewReaderSize(src, readBufferSize)
	c.pending = nil
}

// Conn returns the bound connection.
func (c *Channel) Conn() net.Conn {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn
}

// Raw exposes the unprotected stream used before the handshake. Reads go
// through the channel buffer so nothing is lost when records start.
func (c *Channel) Raw() io.ReadWriter {
	return rawStream{c}
}

type rawStream struct{ c *Channel }

func (r rawStream) Read(p []byte) (int, error) {
	r.c.readMu.Lock()
	defer r.c.readMu.Unlock()
	if r.c.br == nil {
		return 0, ErrNotBound
	}
	return r.c.br.Read(p)
}

func (r rawStream) Write(p []byte) (int, error) {
	r.c.writeMu.Lock()
	defer r.c.writeMu.Unlock()
	if r.c.conn == nil {
		return 0, ErrNotBound
	}
	return r.c.conn.Write(p)
}

// ReadAhead copies the raw bytes buffered but not yet consumed.
func (c *Channel) ReadAhead() []byte {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.br == nil || c.br.Buffered() == 0 {
		return nil
	}
	b, _ := c.br.Peek(c.br.Buffered())
	return append([]byte(nil), b...)
}

func (c *Channel) Established() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.established
}

// Resumed reports whether the last handshake resumed a previous session.
func (c *Channel) Resumed() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.resumed
}

func (c *Channel) Mode() Mode {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.mode
}

func (c *Channel) Suite() Suite {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.suite
}

// PeerChain returns the certificate chain the server presented.
func (c *Channel) PeerChain() [][]byte {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.session == nil {
		return nil
	}
	return append([][]byte(nil), c.session.PeerChain...)
}

// ExportSession encodes the resumable session of an established channel.
func (c *Channel) ExportSession() ([]byte, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.session == nil {
		return nil, ErrNoSession
	}
	return MarshalSession(c.session)
}

// ImportSession installs an exported session. The next acceptor handshake
// resumes it when the initiator proves knowledge of its secret.
func (c *Channel) ImportSession(b []byte) error {
	s, err := UnmarshalSession(b)
	if err != nil {
		return err
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.session = s
	c.mode = s.Mode
	c.suite = s.Suite
	return nil
}

// Handshake runs the full or resumed handshake on the bound connection.
// ctx bounds the whole exchange.
func (c *Channel) Handshake(ctx context.Context, role Role) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return ErrNotBound
	}
	c.stateMu.RLock()
	closed := c.closed
	prev := c.session
	c.stateMu.RUnlock()
	if closed {
		return ErrClosed
	}

	stop := c.watch(ctx)
	hs := &handshakeState{c: c, role: role, prev: prev}
	var err error
	if role == Initiator {
		err = hs.client()
	} else {
		err = hs.server()
	}
	if err != nil {
		var alert AlertError
		if !errors.As(err, &alert) {
			_ = writeRecord(c.conn, TagAlert, []byte{alertFor(err)})
		}
		stop()
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
		logs.Warnf("securechan.handshake failed role=%s err=%v", role, err)
		return err
	}
	stop()

	c.in, c.out = hs.in, hs.out
	c.pending = nil
	c.stateMu.Lock()
	c.session = hs.session
	c.established = true
	c.resumed = hs.resumed
	c.mode = hs.session.Mode
	c.suite = hs.session.Suite
	c.stateMu.Unlock()
	logs.Debugf("securechan.handshake ok role=%s suite=%s resumed=%t mode=%s",
		role, hs.session.Suite, hs.resumed, hs.session.Mode)
	return nil
}

// watch maps ctx onto connection deadlines and returns the cleanup.
func (c *Channel) watch(ctx context.Context) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(d)
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

// Read returns application bytes from application data records and, once
// established, from plain records.
func (c *Channel) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for len(c.pending) == 0 {
		if err := c.readableLocked(); err != nil {
			return 0, err
		}
		tag, payload, err := readRecord(c.br)
		if err != nil {
			return 0, err
		}
		switch tag {
		case TagPlain:
			c.pending = payload
			c.pendingPlain = true
		case TagAppData:
			plain, err := c.in.open(TagAppData, payload)
			if err != nil {
				return 0, err
			}
			c.pending = plain
			c.pendingPlain = false
		case TagAlert:
			if payload[0] == alertCloseNotify {
				return 0, io.EOF
			}
			return 0, AlertError{Code: payload[0]}
		default:
			return 0, ErrUnexpectedTag
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	if c.pendingPlain {
		c.plainRead = true
	}
	return n, nil
}

// TakePlain reports whether Read returned bytes from a plain record since
// the previous call, and resets the mark.
func (c *Channel) TakePlain() bool {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	plain := c.plainRead
	c.plainRead = false
	return plain
}

func (c *Channel) readableLocked() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	switch {
	case c.closed:
		return ErrClosed
	case !c.established || c.in == nil:
		return ErrNotEstablished
	}
	return nil
}

func (c *Channel) writableLocked() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	switch {
	case c.closed:
		return ErrClosed
	case !c.established || c.out == nil:
		return ErrNotEstablished
	}
	return nil
}

// Write seals p into application data records.
func (c *Channel) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writableLocked(); err != nil {
		return 0, err
	}
	limit := c.out.maxPlaintext()
	written := 0
	for written < len(p) {
		end := written + limit
		if end > len(p) {
			end = len(p)
		}
		if err := writeRecord(c.conn, TagAppData, c.out.seal(TagAppData, p[written:end])); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// WritePlain sends p unprotected in plain records. Used for packages the
// routing table assigns to the plain route.
func (c *Channel) WritePlain(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writableLocked(); err != nil {
		return 0, err
	}
	written := 0
	for written < len(p) {
		end := written + MaxRecordPayload
		if end > len(p) {
			end = len(p)
		}
		if err := writeRecord(c.conn, TagPlain, p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// CloseNotify tells the peer no more records follow.
func (c *Channel) CloseNotify() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotBound
	}
	return writeRecord(c.conn, TagAlert, []byte{alertCloseNotify})
}

// Close forgets the session and refuses further records. The bound
// connection stays open.
func (c *Channel) Close() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.closed = true
	c.established = false
	c.session = nil
	return nil
}
