package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/iolink/internal/handshake"
	"github.com/danmuck/iolink/internal/jobs"
	"github.com/danmuck/iolink/internal/platform/fdpass"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/danmuck/iolink/internal/securechan"
	"github.com/danmuck/iolink/internal/testutil/testlog"
	"github.com/google/uuid"
)

const echoType uint32 = 7

func testConfig(sender protocol.SenderType) Config {
	cfg := DefaultConfig(sender)
	cfg.Session.ConnectTimeout = 5 * time.Second
	cfg.Session.GracefulShutdown = time.Second
	return cfg
}

func echoHandler(served *atomic.Int32) Handler {
	return HandlerFunc(func(e *Endpoint, pkg *packet.Package) {
		if pkg.Type != echoType {
			return
		}
		if served != nil {
			served.Add(1)
		}
		data, err := pkg.Data(0)
		if err != nil {
			return
		}
		resp := packet.MakeDirectResponse(pkg, pkg.Type, 1)
		if err := resp.SetBuffer(0, packet.EncodingRaw, data); err != nil {
			return
		}
		if h, err := e.Send(resp); err == nil {
			h.Release()
		}
	})
}

// pair connects a client and a server endpoint over TCP loopback.
func pair(t *testing.T, clientCfg, serverCfg Config) (*Endpoint, *Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		e   *Endpoint
		err error
	}
	srvc := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			srvc <- accepted{err: err}
			return
		}
		e, err := Accept(context.Background(), conn, serverCfg)
		srvc <- accepted{e: e, err: err}
	}()

	client, err := Dial(context.Background(), "tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-srvc
	if srv.err != nil {
		t.Fatalf("accept: %v", srv.err)
	}
	t.Cleanup(func() {
		client.Stop()
		srv.e.Stop()
	})
	return client, srv.e
}

func echo(t *testing.T, client *Endpoint, payload string) *packet.Package {
	t.Helper()
	req, err := packet.NewWithData(echoType, packet.EncodingRaw, []byte(payload))
	if err != nil {
		t.Fatalf("new package: %v", err)
	}
	h, err := client.Send(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer h.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, resp, err := h.Wait(ctx)
	if err != nil || r != jobs.Success {
		t.Fatalf("wait result=%s err=%v", r, err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(resp))
	}
	got := resp[0].Package
	if got.ParentID != req.ID {
		t.Fatalf("parent=%s want %s", got.ParentID, req.ID)
	}
	data, err := got.Data(0)
	if err != nil || string(data) != payload {
		t.Fatalf("echoed=%q,%v", data, err)
	}
	return got
}

func waitDone(t *testing.T, e *Endpoint) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("endpoint %s did not stop", e)
	}
}

func TestEchoReturnsOneResponse(t *testing.T) {
	testlog.Start(t)
	var served, clientSeen atomic.Int32
	clientCfg := testConfig(protocol.SenderClient)
	clientCfg.Handler = HandlerFunc(func(*Endpoint, *packet.Package) { clientSeen.Add(1) })
	serverCfg := testConfig(protocol.SenderDispatcher)
	serverCfg.Handler = echoHandler(&served)

	client, srv := pair(t, clientCfg, serverCfg)
	if client.State() != Connected || srv.State() != Connected {
		t.Fatalf("states client=%s server=%s", client.State(), srv.State())
	}
	if client.PeerIdentity() != srv.Identity() || srv.PeerIdentity() != client.Identity() {
		t.Fatalf("identities client.peer=%s server.peer=%s", client.PeerIdentity(), srv.PeerIdentity())
	}
	if client.SecurityMode() != securechan.ModeUntrusted {
		t.Fatalf("mode=%s", client.SecurityMode())
	}

	resp := echo(t, client, "0123456789")
	if resp.ReceiverID != client.Identity().ConnectionID {
		t.Fatalf("receiver=%s want %s", resp.ReceiverID, client.Identity().ConnectionID)
	}
	if served.Load() != 1 {
		t.Fatalf("server handled %d packages", served.Load())
	}
	// Type 7 is an attach package on the client side and never reaches
	// the client handler; the response still completes the job.
	if clientSeen.Load() != 0 {
		t.Fatalf("client handler saw %d packages", clientSeen.Load())
	}
	st := client.Stats()
	if st.SentPackages == 0 || st.ReceivedPackages == 0 || st.SentBytes == 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSecureRouteCarriesPackages(t *testing.T) {
	testlog.Start(t)
	clientCfg := testConfig(protocol.SenderClient)
	clientCfg.Routing = routing.ClientTable(routing.HighSecurity)
	serverCfg := testConfig(protocol.SenderDispatcher)
	serverCfg.Routing = routing.ServerTable(routing.HighSecurity)
	serverCfg.Handler = echoHandler(nil)

	client, _ := pair(t, clientCfg, serverCfg)
	if client.PeerRouting().Find(echoType) != routing.Secure {
		t.Fatalf("route=%s", client.PeerRouting().Find(echoType))
	}
	echo(t, client, "over the secure route")
}

func TestPlainRecordOnSecureRouteTearsDown(t *testing.T) {
	testlog.Start(t)
	var served atomic.Int32
	clientCfg := testConfig(protocol.SenderClient)
	clientCfg.Routing = routing.ClientTable(routing.HighSecurity)
	serverCfg := testConfig(protocol.SenderDispatcher)
	serverCfg.Routing = routing.ServerTable(routing.HighSecurity)
	serverCfg.Handler = echoHandler(&served)

	client, srv := pair(t, clientCfg, serverCfg)
	if srv.PeerRouting().Find(echoType) != routing.Secure {
		t.Fatalf("route=%s", srv.PeerRouting().Find(echoType))
	}
	req, err := packet.NewWithData(echoType, packet.EncodingRaw, []byte("in the clear"))
	if err != nil {
		t.Fatalf("new package: %v", err)
	}
	raw, err := packet.Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := client.ch.WritePlain(raw); err != nil {
		t.Fatalf("write plain: %v", err)
	}

	waitDone(t, srv)
	if srv.Error() != CodeMalformed || !errors.Is(srv.Err(), ErrPlainOnSecure) {
		t.Fatalf("server code=%s err=%v", srv.Error(), srv.Err())
	}
	if served.Load() != 0 {
		t.Fatalf("handler saw %d unprotected packages", served.Load())
	}
}

func TestPlainRouteAcceptsPlainRecords(t *testing.T) {
	testlog.Start(t)
	var served atomic.Int32
	clientCfg := testConfig(protocol.SenderClient)
	clientCfg.Routing = routing.ClientTable(routing.LowSecurity)
	serverCfg := testConfig(protocol.SenderDispatcher)
	serverCfg.Routing = routing.ServerTable(routing.LowSecurity)
	serverCfg.Handler = echoHandler(&served)

	client, srv := pair(t, clientCfg, serverCfg)
	if client.PeerRouting().Find(echoType) != routing.Plain {
		t.Fatalf("route=%s", client.PeerRouting().Find(echoType))
	}
	echo(t, client, "plain and permitted")
	if srv.State() != Connected || served.Load() != 1 {
		t.Fatalf("server state=%s served=%d", srv.State(), served.Load())
	}
}

func TestTrafficReportsAndTimeSync(t *testing.T) {
	testlog.Start(t)
	const interval = 100 * time.Millisecond
	reports := make(chan TrafficReport, 64)
	var serverSaw atomic.Int32
	clientCfg := testConfig(protocol.SenderClient)
	clientCfg.Session.HeartbeatInterval = interval
	clientCfg.OnTrafficReport = func(_ *Endpoint, r TrafficReport) {
		select {
		case reports <- r:
		default:
		}
	}
	serverCfg := testConfig(protocol.SenderDispatcher)
	serverCfg.Session.HeartbeatInterval = interval
	serverCfg.Handler = HandlerFunc(func(*Endpoint, *packet.Package) { serverSaw.Add(1) })

	client, _ := pair(t, clientCfg, serverCfg)
	if _, ok := client.PeerTraffic(); ok {
		t.Fatalf("report before any was requested")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sample, err := client.SyncTime(ctx)
	if err != nil {
		t.Fatalf("sync time: %v", err)
	}
	if sample.RTT <= 0 || sample.Offset > time.Second || sample.Offset < -time.Second {
		t.Fatalf("sample=%+v", sample)
	}

	if err := client.StartTrafficReports(); err != nil {
		t.Fatalf("start reports: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case r := <-reports:
			if r.SentPackages == 0 || r.ReceivedPackages == 0 || r.At.IsZero() {
				t.Fatalf("report %d=%+v", i, r)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("report %d never arrived", i)
		}
	}
	if last, ok := client.PeerTraffic(); !ok || last.SentBytes == 0 {
		t.Fatalf("last report=%+v ok=%t", last, ok)
	}

	if err := client.StopTrafficReports(); err != nil {
		t.Fatalf("stop reports: %v", err)
	}
	time.Sleep(3 * interval)
	for len(reports) > 0 {
		<-reports
	}
	time.Sleep(4 * interval)
	if n := len(reports); n != 0 {
		t.Fatalf("%d reports after stop", n)
	}
	if n := serverSaw.Load(); n != 0 {
		t.Fatalf("server handler saw %d management packages", n)
	}
}

// silentServer completes the server handshake and then never reads or
// writes again. The accepted connection is delivered on the channel.
func silentServer(ln net.Listener) <-chan net.Conn {
	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
		ch, err := securechan.New(nil)
		if err != nil {
			return
		}
		ch.Bind(conn, nil)
		m := handshake.New(ch, handshake.Params{
			Role:     securechan.Acceptor,
			Identity: protocol.Identity{SenderType: protocol.SenderDispatcher, ConnectionID: uuid.New()},
			Routing:  routing.ServerTable(routing.NormalSecurity),
			Timeout:  5 * time.Second,
		})
		_, _ = m.Run(context.Background())
	}()
	return conns
}

func TestHeartbeatTimeoutWakesWaiters(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	conns := silentServer(ln)
	defer func() {
		select {
		case c := <-conns:
			c.Close()
		default:
		}
	}()

	cfg := testConfig(protocol.SenderClient)
	cfg.Session.HeartbeatInterval = 50 * time.Millisecond
	cfg.Session.DeadAfterBeats = 3
	var states []State
	stateCh := make(chan State, 8)
	cfg.OnStateChange = func(_ *Endpoint, s State, _ Code) { stateCh <- s }

	client, err := Dial(context.Background(), "tcp", ln.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	h, err := client.Send(packet.New(4242, 0))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := h.WaitForResponse(ctx)
	if err != nil || r != jobs.HeartbeatTimeout {
		t.Fatalf("response result=%s err=%v", r, err)
	}
	waitDone(t, client)
	if client.State() != Disconnected {
		t.Fatalf("state=%s", client.State())
	}
	if client.Error() != CodeHeartbeatTimeout {
		t.Fatalf("code=%s", client.Error())
	}
	if !errors.Is(client.Err(), ErrHeartbeatTimeout) || Classify(client.Err()) != KindLiveness {
		t.Fatalf("err=%v kind=%s", client.Err(), Classify(client.Err()))
	}
	for len(stateCh) > 0 {
		states = append(states, <-stateCh)
	}
	want := []State{Connecting, Connected, Disconnected}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Fatalf("states=%v want %v", states, want)
	}
	if _, err := client.Send(packet.New(4242, 0)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after stop err=%v", err)
	}
}

func TestStopClosesPeerCleanly(t *testing.T) {
	testlog.Start(t)
	client, srv := pair(t, testConfig(protocol.SenderClient), testConfig(protocol.SenderDispatcher))
	client.Stop()
	if client.Error() != CodeNone || client.Err() != nil {
		t.Fatalf("client code=%s err=%v", client.Error(), client.Err())
	}
	waitDone(t, srv)
	if srv.Error() != CodeClosedByPeer {
		t.Fatalf("server code=%s err=%v", srv.Error(), srv.Err())
	}
}

func TestDetachAttachResumesSession(t *testing.T) {
	testlog.Start(t)
	bundles := make(chan *Bundle, 1)
	clientCfg := testConfig(protocol.SenderClient)
	serverCfg := testConfig(protocol.SenderDispatcher)
	serverCfg.Handler = echoHandler(nil)
	serverCfg.OnDetach = func(_ *Endpoint, b *Bundle) { bundles <- b }

	client, srv := pair(t, clientCfg, serverCfg)
	echo(t, client, "before detach")

	if err := client.Detach(nil); !errors.Is(err, ErrNotServer) {
		t.Fatalf("client detach err=%v", err)
	}
	if err := srv.Detach(nil); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := srv.Detach(nil); !errors.Is(err, ErrDetachInProgress) && !errors.Is(err, ErrNotConnected) {
		t.Fatalf("second detach err=%v", err)
	}

	var b *Bundle
	select {
	case b = <-bundles:
	case <-time.After(5 * time.Second):
		t.Fatalf("no bundle")
	}
	waitDone(t, srv)
	if srv.Error() != CodeNone {
		t.Fatalf("detached server code=%s err=%v", srv.Error(), srv.Err())
	}
	if b.Peer != client.Identity() || b.PeerVersion != protocol.Current || b.Role != securechan.Acceptor {
		t.Fatalf("bundle peer=%s version=%s role=%s", b.Peer, b.PeerVersion, b.Role)
	}

	attachCfg := testConfig(protocol.SenderDispatcher)
	attachCfg.Handler = echoHandler(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	attached, err := Attach(ctx, b, attachCfg)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer attached.Stop()
	if !attached.ch.Resumed() {
		t.Fatalf("attached session was not resumed")
	}
	if attached.PeerIdentity() != client.Identity() || attached.PeerVersion() != client.cfg.Version {
		t.Fatalf("attached peer=%s version=%s", attached.PeerIdentity(), attached.PeerVersion())
	}
	if attached.Identity() != srv.Identity() {
		t.Fatalf("attached identity=%s want %s", attached.Identity(), srv.Identity())
	}
	if !attached.PeerRouting().Equal(srv.PeerRouting()) {
		t.Fatalf("routing changed across attach")
	}

	echo(t, client, "after attach")
	if client.State() != Connected {
		t.Fatalf("client state=%s", client.State())
	}

	if _, err := Attach(ctx, b, attachCfg); !errors.Is(err, ErrBundleConsumed) {
		t.Fatalf("second attach err=%v", err)
	}
}

// drainSocket moves every byte the peer already sent on the bundle's
// socket into its read-ahead, the way a relaying owner would, and reseals
// the bundle.
func drainSocket(t *testing.T, b *Bundle) {
	t.Helper()
	conn, err := net.FileConn(b.File)
	if err != nil {
		t.Fatalf("file conn: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 4096)
	for {
		idle := 200 * time.Millisecond
		if len(b.ReadAhead) == 0 {
			idle = time.Until(deadline)
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		n, err := conn.Read(buf)
		b.ReadAhead = append(b.ReadAhead, buf[:n]...)
		if err != nil {
			if !isTimeout(err) {
				t.Fatalf("drain: %v", err)
			}
			break
		}
	}
	if len(b.ReadAhead) == 0 {
		t.Fatalf("peer sent nothing after the detach response")
	}
	b.seal()
}

func TestAttachConsumesReadAheadFirst(t *testing.T) {
	testlog.Start(t)
	bundles := make(chan *Bundle, 1)
	clientCfg := testConfig(protocol.SenderClient)
	serverCfg := testConfig(protocol.SenderDispatcher)
	serverCfg.Handler = echoHandler(nil)
	serverCfg.OnDetach = func(_ *Endpoint, b *Bundle) { bundles <- b }

	client, srv := pair(t, clientCfg, serverCfg)
	if err := srv.Detach(nil); err != nil {
		t.Fatalf("detach: %v", err)
	}
	var b *Bundle
	select {
	case b = <-bundles:
	case <-time.After(5 * time.Second):
		t.Fatalf("no bundle")
	}
	// The client re-handshakes right after confirming; its hello now
	// exists only in the read-ahead.
	drainSocket(t, b)
	captured := len(b.ReadAhead)

	first := make(chan string, 4)
	attachCfg := testConfig(protocol.SenderDispatcher)
	attachCfg.Handler = HandlerFunc(func(e *Endpoint, pkg *packet.Package) {
		if data, err := pkg.Data(0); err == nil {
			first <- string(data)
		}
		echoHandler(nil).HandlePackage(e, pkg)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	attached, err := Attach(ctx, b, attachCfg)
	if err != nil {
		t.Fatalf("attach with %d read-ahead bytes: %v", captured, err)
	}
	defer attached.Stop()
	if !attached.ch.Resumed() {
		t.Fatalf("attached session was not resumed")
	}
	if rest := attached.ch.ReadAhead(); len(rest) != 0 {
		t.Fatalf("%d read-ahead bytes left unconsumed", len(rest))
	}

	echo(t, client, "first after attach")
	select {
	case got := <-first:
		if got != "first after attach" {
			t.Fatalf("first package=%q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler saw nothing")
	}
}

func TestDetachBothSides(t *testing.T) {
	testlog.Start(t)
	serverBundles := make(chan *Bundle, 1)
	clientBundles := make(chan *Bundle, 1)
	clientCfg := testConfig(protocol.SenderClient)
	clientCfg.OnDetach = func(_ *Endpoint, b *Bundle) { clientBundles <- b }
	serverCfg := testConfig(protocol.SenderDispatcher)
	serverCfg.OnDetach = func(_ *Endpoint, b *Bundle) { serverBundles <- b }

	client, srv := pair(t, clientCfg, serverCfg)
	additional, err := packet.NewWithData(echoType, packet.EncodingRaw, []byte("for the next owner"))
	if err != nil {
		t.Fatalf("new package: %v", err)
	}
	if err := srv.DetachBothSides(additional); err != nil {
		t.Fatalf("detach both: %v", err)
	}

	var sb, cb *Bundle
	for sb == nil || cb == nil {
		select {
		case sb = <-serverBundles:
		case cb = <-clientBundles:
		case <-time.After(5 * time.Second):
			t.Fatalf("bundles server=%v client=%v", sb != nil, cb != nil)
		}
	}
	waitDone(t, client)
	waitDone(t, srv)
	if cb.Role != securechan.Initiator || sb.Role != securechan.Acceptor {
		t.Fatalf("roles client=%s server=%s", cb.Role, sb.Role)
	}

	received := make(chan string, 1)
	serverCfg2 := testConfig(protocol.SenderDispatcher)
	serverCfg2.Handler = HandlerFunc(func(e *Endpoint, pkg *packet.Package) {
		if data, err := pkg.Data(0); err == nil && string(data) == "for the next owner" {
			received <- string(data)
			return
		}
		echoHandler(nil).HandlePackage(e, pkg)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	type attached struct {
		e   *Endpoint
		err error
	}
	srvc := make(chan attached, 1)
	go func() {
		e, err := Attach(ctx, sb, serverCfg2)
		srvc <- attached{e, err}
	}()
	client2, err := Attach(ctx, cb, testConfig(protocol.SenderClient))
	if err != nil {
		t.Fatalf("client attach: %v", err)
	}
	defer client2.Stop()
	srv2 := <-srvc
	if srv2.err != nil {
		t.Fatalf("server attach: %v", srv2.err)
	}
	defer srv2.e.Stop()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatalf("additional package not delivered")
	}
	if client2.Identity() != client.Identity() || client2.PeerIdentity() != srv.Identity() {
		t.Fatalf("client2 identity=%s peer=%s", client2.Identity(), client2.PeerIdentity())
	}
	echo(t, client2, "both sides moved")
}

func TestBundleHandoffOverUnixSocket(t *testing.T) {
	testlog.Start(t)
	a, c, err := fdpass.SocketPair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer a.Close()
	defer c.Close()

	path := filepath.Join(t.TempDir(), "handle")
	if err := os.WriteFile(path, []byte("socket stand-in"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sent := &Bundle{
		Role:        securechan.Acceptor,
		PeerVersion: protocol.Current,
		Peer:        protocol.Identity{SenderType: protocol.SenderClient, ConnectionID: uuid.New()},
		Local:       protocol.Identity{SenderType: protocol.SenderDispatcher, ConnectionID: uuid.New()},
		Routing:     []byte{1, 2, 3},
		Session:     []byte{4, 5, 6},
		ReadAhead:   []byte("buffered"),
		File:        f,
	}
	errc := make(chan error, 1)
	go func() { errc <- SendBundle(a, sent) }()

	got, err := ReceiveBundle(c)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = sent.Close()
	defer got.Close()

	if got.Peer != sent.Peer || got.Local != sent.Local || got.PeerVersion != sent.PeerVersion {
		t.Fatalf("identity fields changed: %+v", got)
	}
	if !bytes.Equal(got.ReadAhead, sent.ReadAhead) || !bytes.Equal(got.Session, sent.Session) {
		t.Fatalf("payload fields changed")
	}
	content, err := io.ReadAll(got.File)
	if err != nil || string(content) != "socket stand-in" {
		t.Fatalf("handle content=%q,%v", content, err)
	}
}

func TestAttachRejectsBadBundles(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	if _, err := Attach(ctx, &Bundle{}, testConfig(protocol.SenderDispatcher)); !errors.Is(err, ErrNoHandle) {
		t.Fatalf("no handle err=%v", err)
	}

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b := &Bundle{Routing: []byte{1}, Session: []byte{2}, File: f}
	b.seal()
	b.Session = []byte{3}
	if _, err := Attach(ctx, b, testConfig(protocol.SenderDispatcher)); !errors.Is(err, ErrBundleDigest) {
		t.Fatalf("tampered err=%v", err)
	}
	if !b.Consumed() || b.File != nil {
		t.Fatalf("failed attach must consume the bundle")
	}
	if _, err := Attach(ctx, b, testConfig(protocol.SenderDispatcher)); !errors.Is(err, ErrBundleConsumed) {
		t.Fatalf("reuse err=%v", err)
	}
	if _, err := UnmarshalBundle([]byte{0xff}); err == nil {
		t.Fatalf("garbage bundle decoded")
	}
}

func TestDialFailures(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig(protocol.SenderClient)
	cfg.DialAttempts = 3
	cfg.Session.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Session.Backoff.MaxDelay = 20 * time.Millisecond
	_, err = Dial(context.Background(), "tcp", addr, cfg)
	if err == nil {
		t.Fatalf("dial to closed port succeeded")
	}
	if Classify(err) != KindTransportFatal {
		t.Fatalf("kind=%s err=%v", Classify(err), err)
	}

	_, err = Dial(context.Background(), "tcp", "iolink-no-such-host.invalid:7000", cfg)
	if !errors.Is(err, ErrHostnameResolve) || CodeOf(err) != CodeHostnameResolve {
		t.Fatalf("resolve err=%v code=%s", err, CodeOf(err))
	}
}

func TestHandshakeFailureCodes(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	serverCfg := testConfig(protocol.SenderDispatcher)
	serverCfg.Version = protocol.Version{Major: 5, Minor: 0}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = Accept(context.Background(), conn, serverCfg)
	}()

	var last Code
	cfg := testConfig(protocol.SenderClient)
	cfg.OnStateChange = func(_ *Endpoint, s State, code Code) {
		if s == Disconnected {
			last = code
		}
	}
	_, err = Dial(context.Background(), "tcp", ln.Addr().String(), cfg)
	if !errors.Is(err, handshake.ErrProtocolVersion) {
		t.Fatalf("err=%v", err)
	}
	if last != CodeProtocolVersion || Classify(err) != KindHandshakeFatal {
		t.Fatalf("code=%s kind=%s", last, Classify(err))
	}
}

func TestClassify(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		kind Kind
		code Code
	}{
		{nil, KindNone, CodeNone},
		{jobs.ErrPoolExhausted, KindResource, CodeUnknown},
		{fmt.Errorf("wrap: %w", jobs.ErrSendQueueFull), KindResource, CodeUnknown},
		{fmt.Errorf("%w: silent", ErrHeartbeatTimeout), KindLiveness, CodeHeartbeatTimeout},
		{context.DeadlineExceeded, KindJobLevel, CodeUnknown},
		{handshake.ErrRoutingRejected, KindHandshakeFatal, CodeRoutingTableAccept},
		{handshake.ErrDuplicateIdentity, KindHandshakeFatal, CodeDuplicateIdentity},
		{handshake.ErrTimeout, KindHandshakeFatal, CodeConnectionTimeout},
		{ErrSessionNotResumed, KindHandshakeFatal, CodeSecureHandshake},
		{packet.ErrChecksumMismatch, KindTransportFatal, CodeMalformed},
		{fmt.Errorf("%w: type 7", ErrPlainOnSecure), KindTransportFatal, CodeMalformed},
		{ErrNotAttachPackage, KindJobLevel, CodeUnknown},
		{fmt.Errorf("attach: %w", ErrBundleDigest), KindJobLevel, CodeUnknown},
		{io.EOF, KindTransportFatal, CodeClosedByPeer},
		{errors.New("mystery"), KindTransportFatal, CodeUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.kind {
			t.Fatalf("Classify(%v)=%s want %s", tc.err, got, tc.kind)
		}
		if got := CodeOf(tc.err); got != tc.code {
			t.Fatalf("CodeOf(%v)=%s want %s", tc.err, got, tc.code)
		}
	}
	if !KindLiveness.Fatal() || KindJobLevel.Fatal() || KindResource.Fatal() {
		t.Fatalf("fatal kinds wrong")
	}
}
