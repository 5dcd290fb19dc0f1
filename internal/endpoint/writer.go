package endpoint

import (
	"fmt"
	"io"
	"time"

	"github.com/danmuck/iolink/internal/jobs"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/danmuck/iolink/internal/protocol/routing"
	"github.com/google/uuid"
)

func (e *Endpoint) writeLoop() {
	defer e.wg.Done()
	caps := e.Capabilities()
	var beat <-chan time.Time
	if caps.Heartbeat {
		t := time.NewTicker(e.cfg.Session.HeartbeatInterval)
		defer t.Stop()
		beat = t.C
	}
	report := time.NewTicker(e.cfg.Session.HeartbeatInterval)
	defer report.Stop()
	for {
		ready := e.ledger.Ready()
		for j := e.ledger.Next(); j != nil; j = e.ledger.Next() {
			if !e.sendJob(j) {
				return
			}
		}
		select {
		case <-e.halt.ReqStop.Chan:
			return
		case <-ready:
		case <-beat:
			if !e.sendJob(e.ledger.Heartbeat()) {
				return
			}
		case <-report.C:
			if e.reporting.Load() {
				e.queueTrafficReport()
			}
		}
	}
}

// sendJob writes the package of j and finishes it. It reports false when
// the writer must exit; an unsent job then stays queued for FailAll.
func (e *Endpoint) sendJob(j *jobs.Job) bool {
	if !e.lockWriter() {
		return false
	}
	defer e.sendMu.Unlock()
	pkg := j.Package()
	if pkg == nil {
		e.ledger.Finish(j, jobs.InvalidPackage)
		return true
	}
	if err := e.prepare(pkg); err != nil {
		logs.Warnf("endpoint.send invalid package id=%s type=%d err=%v", pkg.ID, pkg.Type, err)
		e.ledger.Finish(j, jobs.InvalidPackage)
		return true
	}
	if err := e.writePackage(pkg); err != nil {
		if !e.halt.ReqStop.IsClosed() {
			e.fail(err)
		}
		return false
	}
	e.ledger.Finish(j, jobs.Success)
	return true
}

// lockWriter takes sendMu once the writer is not paused. It reports false
// when a stop was requested.
func (e *Endpoint) lockWriter() bool {
	for {
		e.sendMu.Lock()
		wait := e.unpause
		if wait == nil {
			if e.halt.ReqStop.IsClosed() {
				e.sendMu.Unlock()
				return false
			}
			return true
		}
		e.sendMu.Unlock()
		select {
		case <-wait:
		case <-e.halt.ReqStop.Chan:
			return false
		}
	}
}

// pauseWriter returns once no package write is in progress and none will
// start until resumeWriter.
func (e *Endpoint) pauseWriter() {
	e.sendMu.Lock()
	if e.unpause == nil {
		e.unpause = make(chan struct{})
	}
	e.sendMu.Unlock()
}

func (e *Endpoint) resumeWriter() {
	e.sendMu.Lock()
	if e.unpause != nil {
		close(e.unpause)
		e.unpause = nil
	}
	e.sendMu.Unlock()
}

// prepare stamps outgoing fields and checks pkg against the limits and the
// negotiated encodings.
func (e *Endpoint) prepare(pkg *packet.Package) error {
	if pkg.SenderID == uuid.Nil {
		pkg.SenderID = e.cfg.Identity.ConnectionID
	}
	packet.AssignNumericID(pkg)
	if !e.Capabilities().ExtendedEncodings {
		if err := pkg.DowngradeEncodings(); err != nil {
			return err
		}
	}
	if uint64(len(pkg.Buffers)) > uint64(e.cfg.Limits.MaxBuffers) {
		return fmt.Errorf("%w: %d buffers", packet.ErrBufferCount, len(pkg.Buffers))
	}
	for i, b := range pkg.Buffers {
		if uint64(len(b.Data)) > uint64(e.cfg.Limits.MaxBufferBytes) {
			return fmt.Errorf("%w: buffer %d size %d", packet.ErrBufferTooLarge, i, len(b.Data))
		}
	}
	return nil
}

// writePackage encodes pkg onto the route the accepted table assigns to
// its type.
func (e *Endpoint) writePackage(pkg *packet.Package) error {
	buf, err := packet.Encode(pkg)
	if err != nil {
		return err
	}
	var w io.Writer = e.ch
	if e.PeerRouting().Find(pkg.Type) == routing.Plain {
		w = plainWriter{e}
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	e.sentPkgs.Add(1)
	e.sentBytes.Add(uint64(len(buf)))
	e.cfg.Observer.PackageSent(len(buf))
	logs.Tracef("endpoint.sent type=%d id=%s bytes=%d", pkg.Type, pkg.ID, len(buf))
	return nil
}

type plainWriter struct{ e *Endpoint }

func (w plainWriter) Write(p []byte) (int, error) {
	return w.e.ch.WritePlain(p)
}
