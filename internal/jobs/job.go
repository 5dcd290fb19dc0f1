package jobs

import (
	"context"

	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/google/uuid"
)

// Response is one package answering a send, with the connection it came
// from.
type Response struct {
	Peer    uuid.UUID
	Package *packet.Package
}

// Job tracks one package from queueing to its last response. Jobs live
// in a Ledger and are recycled once no Handle references them and they
// left the active FIFO.
type Job struct {
	l *Ledger

	pkg    *packet.Package
	pkgID  uuid.UUID
	urgent bool
	active bool
	held   bool
	next   *Job

	sendResult  Result
	sendWoken   bool
	respResult  Result
	respWoken   bool
	responses   []Response
	sendWaiters int
	respWaiters int
	changed     chan struct{}
}

func newJob(l *Ledger) *Job {
	j := &Job{l: l, changed: make(chan struct{})}
	j.reset()
	return j
}

// reset runs under the ledger lock.
func (j *Job) reset() {
	j.pkg = nil
	j.pkgID = uuid.Nil
	j.urgent = false
	j.active = false
	j.held = false
	j.next = nil
	j.sendResult = SendPending
	j.sendWoken = false
	j.respResult = NoResponse
	j.respWoken = false
	j.responses = nil
}

func (j *Job) free() bool {
	return !j.held && !j.active
}

// notify wakes every waiter. Caller holds the ledger lock.
func (j *Job) notify() {
	close(j.changed)
	j.changed = make(chan struct{})
}

// Package returns the queued package. It is nil once the send finished.
func (j *Job) Package() *packet.Package {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	return j.pkg
}

// PackageID is the id of the package this job sent.
func (j *Job) PackageID() uuid.UUID {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	return j.pkgID
}

// Complete sets the send result and wakes send waiters. UrgentlyWoken only
// wakes them without recording a result.
func (j *Job) Complete(r Result) {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	j.completeLocked(r)
}

func (j *Job) completeLocked(r Result) {
	if r == SendPending {
		return
	}
	if r == UrgentlyWoken {
		j.sendWoken = true
	} else {
		j.sendResult = r
	}
	j.notify()
}

// AppendResponse records a response package and wakes response waiters.
// It reports false, recording nothing, when the job no longer belongs to
// the package pkg answers.
func (j *Job) AppendResponse(peer uuid.UUID, pkg *packet.Package) bool {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	return j.appendResponseLocked(peer, pkg)
}

func (j *Job) appendResponseLocked(peer uuid.UUID, pkg *packet.Package) bool {
	if pkg == nil || !j.held || pkg.ParentID == uuid.Nil || j.pkgID != pkg.ParentID {
		return false
	}
	j.respResult = Success
	j.responses = append(j.responses, Response{Peer: peer, Package: pkg})
	j.notify()
	return true
}

// FailResponse wakes response waiters with a failure result.
func (j *Job) FailResponse(r Result) {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	j.failResponseLocked(r)
}

func (j *Job) failResponseLocked(r Result) {
	if r == NoResponse {
		return
	}
	if r == UrgentlyWoken {
		j.respWoken = true
	} else {
		j.respResult = r
	}
	j.notify()
}

// WakeUrgently releases current send and response waiters once without
// changing any result.
func (j *Job) WakeUrgently() {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	j.sendWoken = true
	j.respWoken = true
	j.notify()
}

// SendResult returns the current send result.
func (j *Job) SendResult() Result {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	return j.sendResult
}

// WaitForSend blocks until the send completes, the job is woken urgently
// or ctx ends. A context expiry yields Timeout together with ctx.Err().
func (j *Job) WaitForSend(ctx context.Context) (Result, error) {
	l := j.l
	l.mu.Lock()
	j.sendWaiters++
	defer func() {
		l.mu.Lock()
		j.sendWaiters--
		l.mu.Unlock()
	}()
	for {
		if j.sendWoken {
			j.sendWoken = false
			l.mu.Unlock()
			return UrgentlyWoken, nil
		}
		if j.sendResult != SendPending {
			r := j.sendResult
			l.mu.Unlock()
			return r, nil
		}
		ch := j.changed
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return Timeout, ctx.Err()
		}
		l.mu.Lock()
	}
}

// WaitForResponse blocks until a response arrives, response waiters are
// failed or woken, or ctx ends.
func (j *Job) WaitForResponse(ctx context.Context) (Result, error) {
	l := j.l
	l.mu.Lock()
	j.respWaiters++
	defer func() {
		l.mu.Lock()
		j.respWaiters--
		l.mu.Unlock()
	}()
	for {
		if j.respWoken {
			j.respWoken = false
			l.mu.Unlock()
			return UrgentlyWoken, nil
		}
		if j.respResult != NoResponse {
			r := j.respResult
			l.mu.Unlock()
			return r, nil
		}
		ch := j.changed
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return Timeout, ctx.Err()
		}
		l.mu.Lock()
	}
}

// TakeResponse drains the accumulated responses and resets the response
// slot to NoResponse.
func (j *Job) TakeResponse() (Result, []Response) {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	r, out := j.respResult, j.responses
	j.respResult = NoResponse
	j.responses = nil
	return r, out
}

// ClearResponse drops accumulated responses.
func (j *Job) ClearResponse() {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	j.respResult = NoResponse
	j.responses = nil
}

// Waiters returns the number of goroutines blocked on send and response.
func (j *Job) Waiters() (send, response int) {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	return j.sendWaiters, j.respWaiters
}
