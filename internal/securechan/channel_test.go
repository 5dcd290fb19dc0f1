package securechan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/iolink/internal/testutil/testlog"
	"github.com/danmuck/iolink/internal/testutil/tlstest"
)

// handshakePair binds client and server to the ends of a pipe and runs
// both handshakes.
func handshakePair(t *testing.T, client, server *Channel, serverReadAhead int) (clientErr, serverErr error) {
	t.Helper()
	cc, sc := net.Pipe()
	t.Cleanup(func() {
		_ = cc.Close()
		_ = sc.Close()
	})
	client.Bind(cc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		var ahead []byte
		if serverReadAhead > 0 {
			ahead = make([]byte, serverReadAhead)
			if _, err := io.ReadFull(sc, ahead); err != nil {
				serverDone <- err
				return
			}
		}
		server.Bind(sc, ahead)
		serverDone <- server.Handshake(ctx, Acceptor)
	}()
	clientErr = client.Handshake(ctx, Initiator)
	serverErr = <-serverDone
	return clientErr, serverErr
}

func mustNew(t *testing.T, creds *Credentials) *Channel {
	t.Helper()
	c, err := New(creds)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	return c
}

func exchange(t *testing.T, from, to *Channel, msg []byte, plain bool) {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		var err error
		if plain {
			_, err = from.WritePlain(msg)
		} else {
			_, err = from.Write(msg)
		}
		errc <- err
	}()
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(to, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("payload mismatch")
	}
}

func TestAnonymousHandshakeIsUntrusted(t *testing.T) {
	testlog.Start(t)
	client, server := mustNew(t, nil), mustNew(t, nil)
	cerr, serr := handshakePair(t, client, server, 0)
	if cerr != nil || serr != nil {
		t.Fatalf("handshake client=%v server=%v", cerr, serr)
	}
	if client.Mode() != ModeUntrusted || server.Mode() != ModeUntrusted {
		t.Fatalf("modes client=%s server=%s", client.Mode(), server.Mode())
	}
	if client.Resumed() || server.Resumed() {
		t.Fatalf("fresh handshake reported resumed")
	}
	if client.Suite() != SuiteChaCha20Poly1305 {
		t.Fatalf("suite=%s", client.Suite())
	}
	exchange(t, client, server, bytes.Repeat([]byte("x"), 40000), false)
	exchange(t, server, client, []byte("pong"), false)
	exchange(t, client, server, []byte("plain route"), true)
}

func TestCertificateClassification(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "iolink-ca")
	other := tlstest.NewAuthority(t, dir, "other-ca")
	certFile, keyFile := ca.IssueServerCert(t, dir, "server")
	selfCert, selfKey := tlstest.SelfSigned(t, dir, "self")

	serverCreds, err := LoadCredentials(certFile, keyFile, "")
	if err != nil {
		t.Fatalf("load server creds: %v", err)
	}
	selfCreds, err := LoadCredentials(selfCert, selfKey, "")
	if err != nil {
		t.Fatalf("load self-signed creds: %v", err)
	}

	tests := []struct {
		name   string
		server *Credentials
		roots  string
		want   Mode
	}{
		{name: "trusted", server: serverCreds, roots: ca.CAFile(), want: ModeTrusted},
		{name: "wrong roots", server: serverCreds, roots: other.CAFile(), want: ModeSelfSigned},
		{name: "no roots", server: serverCreds, want: ModeSelfSigned},
		{name: "self signed", server: selfCreds, roots: ca.CAFile(), want: ModeSelfSigned},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clientCreds, err := LoadCredentials("", "", tc.roots)
			if err != nil {
				t.Fatalf("load client creds: %v", err)
			}
			client, server := mustNew(t, clientCreds), mustNew(t, tc.server)
			cerr, serr := handshakePair(t, client, server, 0)
			if cerr != nil || serr != nil {
				t.Fatalf("handshake client=%v server=%v", cerr, serr)
			}
			if client.Mode() != tc.want {
				t.Fatalf("client mode=%s want %s", client.Mode(), tc.want)
			}
			if len(client.PeerChain()) != 1 {
				t.Fatalf("peer chain not recorded")
			}
		})
	}
}

func TestSuiteNegotiation(t *testing.T) {
	testlog.Start(t)
	client := mustNew(t, &Credentials{Suites: []Suite{SuiteAES256GCM}})
	server := mustNew(t, nil)
	cerr, serr := handshakePair(t, client, server, 0)
	if cerr != nil || serr != nil {
		t.Fatalf("handshake client=%v server=%v", cerr, serr)
	}
	if server.Suite() != SuiteAES256GCM {
		t.Fatalf("suite=%s", server.Suite())
	}
	exchange(t, server, client, []byte("gcm"), false)

	client = mustNew(t, &Credentials{Suites: []Suite{SuiteAES256GCM}})
	server = mustNew(t, &Credentials{Suites: []Suite{SuiteChaCha20Poly1305}})
	cerr, serr = handshakePair(t, client, server, 0)
	if !errors.Is(serr, ErrNoCommonSuite) {
		t.Fatalf("server err=%v", serr)
	}
	var alert AlertError
	if !errors.As(cerr, &alert) || alert.Code != alertHandshakeFailure {
		t.Fatalf("client err=%v", cerr)
	}
}

func TestExportImportResumes(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "iolink-ca")
	certFile, keyFile := ca.IssueServerCert(t, dir, "server")
	serverCreds, err := LoadCredentials(certFile, keyFile, "")
	if err != nil {
		t.Fatalf("load server creds: %v", err)
	}
	clientCreds, err := LoadCredentials("", "", ca.CAFile())
	if err != nil {
		t.Fatalf("load client creds: %v", err)
	}

	client, server := mustNew(t, clientCreds), mustNew(t, serverCreds)
	if cerr, serr := handshakePair(t, client, server, 0); cerr != nil || serr != nil {
		t.Fatalf("handshake client=%v server=%v", cerr, serr)
	}
	exported, err := server.ExportSession()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	attached := mustNew(t, serverCreds)
	if err := attached.ImportSession(exported); err != nil {
		t.Fatalf("import: %v", err)
	}
	// The first bytes of the client hello were already consumed by the
	// previous owner.
	if cerr, serr := handshakePair(t, client, attached, 11); cerr != nil || serr != nil {
		t.Fatalf("resume client=%v server=%v", cerr, serr)
	}
	if !client.Resumed() || !attached.Resumed() {
		t.Fatalf("expected resumed session")
	}
	if client.Mode() != ModeTrusted {
		t.Fatalf("resumed session lost classification: %s", client.Mode())
	}
	exchange(t, client, attached, []byte("after attach"), false)
}

func TestResumeWithUnknownSessionFallsBack(t *testing.T) {
	testlog.Start(t)
	client, server := mustNew(t, nil), mustNew(t, nil)
	if cerr, serr := handshakePair(t, client, server, 0); cerr != nil || serr != nil {
		t.Fatalf("handshake client=%v server=%v", cerr, serr)
	}
	fresh := mustNew(t, nil)
	if cerr, serr := handshakePair(t, client, fresh, 0); cerr != nil || serr != nil {
		t.Fatalf("fallback handshake client=%v server=%v", cerr, serr)
	}
	if client.Resumed() || fresh.Resumed() {
		t.Fatalf("unknown session must not resume")
	}
}

func TestHandshakeHonoursContext(t *testing.T) {
	testlog.Start(t)
	cc, sc := net.Pipe()
	defer cc.Close()
	defer sc.Close()
	client := mustNew(t, nil)
	client.Bind(cc, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.Handshake(ctx, Initiator); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestUnestablishedAndClosed(t *testing.T) {
	testlog.Start(t)
	c := mustNew(t, nil)
	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("expected ErrNotEstablished, got %v", err)
	}
	if _, err := c.ExportSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if err := c.ImportSession([]byte{0xff, 0x00}); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if err := c.Handshake(context.Background(), Initiator); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
	_ = c.Close()
	if _, err := c.ExportSession(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRecordProtection(t *testing.T) {
	testlog.Start(t)
	key := bytes.Repeat([]byte{7}, keyLen)
	iv := bytes.Repeat([]byte{1}, ivLen)
	for _, suite := range DefaultSuites {
		sender, err := suite.halfConn(key, iv)
		if err != nil {
			t.Fatalf("%s: %v", suite, err)
		}
		receiver, _ := suite.halfConn(key, iv)
		sealed := sender.seal(TagAppData, []byte("record"))
		if _, err := receiver.open(TagHandshake, sealed); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("%s: tag must be authenticated, got %v", suite, err)
		}
		// The failed open advanced the sequence; replaying at seq 1 fails.
		if _, err := receiver.open(TagAppData, sealed); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("%s: replay must fail, got %v", suite, err)
		}
	}

	var buf bytes.Buffer
	if err := writeRecord(&buf, TagPlain, nil); !errors.Is(err, ErrRecordLength) {
		t.Fatalf("expected ErrRecordLength, got %v", err)
	}
}

func TestSessionMarshalRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := &Session{
		ID:     bytes.Repeat([]byte{1}, sessionIDLen),
		Suite:  SuiteAES256GCM,
		Secret: bytes.Repeat([]byte{2}, secretLen),
		Mode:   ModeSelfSigned,
	}
	b, err := MarshalSession(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := UnmarshalSession(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(out.ID, in.ID) || out.Suite != in.Suite || out.Mode != in.Mode {
		t.Fatalf("session mismatch: %+v", out)
	}
	in.Secret = in.Secret[:4]
	if _, err := MarshalSession(in); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}
