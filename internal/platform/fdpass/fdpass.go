//go:build unix

// Package fdpass moves live socket handles between owners: duplicating a
// descriptor inside one process and passing descriptors to another
// process over a unix socket.
package fdpass

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// MaxFiles bounds the descriptors accepted with one message.
const MaxFiles = 4

// MaxMessage bounds one message body.
const MaxMessage = 64 << 20

var (
	ErrTooManyFiles    = errors.New("fdpass: too many descriptors")
	ErrTruncatedRights = errors.New("fdpass: control message truncated")
	ErrMessageTooLarge = errors.New("fdpass: message too large")
)

// Dup returns a close-on-exec duplicate of the descriptor behind c. The
// duplicate keeps the socket open after c is closed.
func Dup(c syscall.Conn) (*os.File, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return nil, err
	}
	fd := -1
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("fdpass: dup: %w", dupErr)
	}
	return os.NewFile(uintptr(fd), "iolink-dup"), nil
}

// FileConn turns a duplicated descriptor back into a connection. f stays
// owned by the caller.
func FileConn(f *os.File) (net.Conn, error) {
	return net.FileConn(f)
}

// WriteMessage sends a length-prefixed body. files travel with the first
// bytes of the message.
func WriteMessage(c *net.UnixConn, body []byte, files ...*os.File) error {
	if len(files) > MaxFiles {
		return ErrTooManyFiles
	}
	if len(body) > MaxMessage {
		return ErrMessageTooLarge
	}
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(body)))
	copy(msg[4:], body)

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	n, _, err := c.WriteMsgUnix(msg, oob, nil)
	if err != nil {
		return err
	}
	if n < len(msg) {
		_, err = c.Write(msg[n:])
	}
	return err
}

// ReadMessage reads one message written by WriteMessage and the
// descriptors that came with it.
func ReadMessage(c *net.UnixConn) ([]byte, []*os.File, error) {
	var files []*os.File
	fail := func(err error) ([]byte, []*os.File, error) {
		for _, f := range files {
			_ = f.Close()
		}
		return nil, nil, err
	}

	hdr := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(MaxFiles*4))
	got := 0
	for got < len(hdr) {
		n, oobn, flags, _, err := c.ReadMsgUnix(hdr[got:], oob)
		if oobn > 0 {
			fs, perr := parseRights(oob[:oobn])
			files = append(files, fs...)
			if perr != nil {
				return fail(perr)
			}
		}
		if flags&unix.MSG_CTRUNC != 0 {
			return fail(ErrTruncatedRights)
		}
		if err != nil {
			return fail(err)
		}
		if n == 0 {
			return fail(io.ErrUnexpectedEOF)
		}
		got += n
	}
	size := binary.BigEndian.Uint32(hdr)
	if size > MaxMessage {
		return fail(ErrMessageTooLarge)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c, body); err != nil {
		return fail(err)
	}
	return body, files, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("fdpass: control message: %w", err)
	}
	var files []*os.File
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "iolink-received"))
		}
	}
	if len(files) > MaxFiles {
		return files, ErrTooManyFiles
	}
	return files, nil
}

// SocketPair returns two connected unix stream sockets.
func SocketPair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	a, err := fileUnixConn(fds[0], "iolink-pair-a")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileUnixConn(fds[1], "iolink-pair-b")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fileUnixConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("fdpass: %s is %T", name, c)
	}
	return uc, nil
}
