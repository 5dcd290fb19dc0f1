package endpoint

import (
	"fmt"
	"time"

	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/danmuck/iolink/internal/securechan"
)

func (e *Endpoint) readLoop(first *packet.Package) {
	defer e.wg.Done()
	if first != nil && e.cfg.Handler != nil {
		e.cfg.Handler.HandlePackage(e, first)
	}
	var silence time.Duration
	if e.Capabilities().Heartbeat {
		silence = e.cfg.Session.ReceiveDeadline()
	}
	for {
		if silence > 0 {
			_ = e.conn.SetReadDeadline(time.Now().Add(silence))
		}
		// A stop requested before the deadline was set must still win.
		if e.halt.ReqStop.IsClosed() {
			return
		}
		e.ch.TakePlain()
		pkg, err := packet.ReadPackage(e.ch, e.cfg.Limits)
		if err != nil {
			e.readFailed(err, silence)
			return
		}
		if e.ch.TakePlain() && e.PeerRouting().Find(pkg.Type) != routing.Plain {
			e.fail(fmt.Errorf("%w: type %d", ErrPlainOnSecure, pkg.Type))
			return
		}
		size := pkg.WireSize()
		e.recvPkgs.Add(1)
		e.recvBytes.Add(uint64(size))
		e.cfg.Observer.PackageReceived(size)
		logs.Tracef("endpoint.received type=%d id=%s bytes=%d", pkg.Type, pkg.ID, size)
		if !e.handle(pkg) {
			return
		}
	}
}

func (e *Endpoint) readFailed(err error, silence time.Duration) {
	if e.halt.ReqStop.IsClosed() {
		return
	}
	if silence > 0 && isTimeout(err) {
		e.fail(fmt.Errorf("%w: nothing received for %s", ErrHeartbeatTimeout, silence))
		return
	}
	if closedByPeer(err) {
		e.fail(fmt.Errorf("%w: %v", ErrClosedByPeer, err))
		return
	}
	e.fail(err)
}

// consumes reports whether a package type is handled by the endpoint and
// kept from the handler.
func (e *Endpoint) consumes(typ uint32) bool {
	switch typ {
	case protocol.MngHeartBeat, protocol.MngStartTrafficReport, protocol.MngStopTrafficReport,
		protocol.MngTrafficReport, protocol.MngTimeSync:
		return true
	case protocol.MngDetachClientRequest, protocol.MngAttachClient, protocol.MngDetachBothSidesRequest:
		return e.role == securechan.Initiator
	case protocol.MngDetachClientResponse:
		return e.role == securechan.Acceptor
	}
	return false
}

// handle dispatches one inbound package. It reports false when reading
// must stop.
func (e *Endpoint) handle(pkg *packet.Package) bool {
	if !e.consumes(pkg.Type) && e.cfg.Handler != nil {
		e.cfg.Handler.HandlePackage(e, pkg)
	}

	switch pkg.Type {
	case protocol.MngHeartBeat:
		logs.Tracef("endpoint.heartbeat peer=%s", e.PeerIdentity())
	case protocol.MngStartTrafficReport:
		e.reporting.Store(true)
		e.queueTrafficReport()
	case protocol.MngStopTrafficReport:
		e.reporting.Store(false)
	case protocol.MngTrafficReport:
		e.receiveTrafficReport(pkg)
	case protocol.MngTimeSync:
		if !pkg.IsResponse() {
			e.answerTimeSync(pkg)
		}
	case protocol.MngAttachClient:
		// Attach packages carry a socket handle and only arrive through a
		// handoff socket.
		logs.Debugf("endpoint.attach_package ignored peer=%s: no socket handle", e.PeerIdentity())
	case protocol.MngDetachClientRequest, protocol.MngDetachBothSidesRequest:
		if e.role != securechan.Initiator {
			logs.Errorf("endpoint.detach_request received in server role peer=%s", e.PeerIdentity())
			break
		}
		return e.answerDetach(pkg.Type == protocol.MngDetachBothSidesRequest)
	case protocol.MngDetachClientResponse:
		if e.role != securechan.Acceptor {
			logs.Errorf("endpoint.detach_response received in client role peer=%s", e.PeerIdentity())
			break
		}
		e.detachLocal()
		return false
	}

	if pkg.IsResponse() {
		if !e.ledger.AppendResponse(e.PeerIdentity().ConnectionID, pkg) {
			logs.Debugf("endpoint.response unmatched parent=%s", pkg.ParentID)
		}
	}
	return true
}

