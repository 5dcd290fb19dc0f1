// Package jobs owns send/response correlation for one connection.
//
// Ownership boundary:
// - the job pool, its trimming policy and the capacity limit
// - the active FIFO the writer drains
// - send and response waiting, urgent wakes and failure fan-out
// - the heartbeat job
package jobs

import (
	"errors"
	"sync"

	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/packet"
	"github.com/google/uuid"
)

var (
	ErrPoolExhausted = errors.New("jobs: pool exhausted")
	ErrSendQueueFull = errors.New("jobs: send queue full")
	ErrNilPackage    = errors.New("jobs: nil package")
)

// Options sizes a Ledger.
type Options struct {
	// OptimalSize is the pool size kept after trimming.
	OptimalSize int
	// ActiveLimit bounds non-urgent queued sends.
	ActiveLimit int
	// Capacity caps live jobs. Zero means unbounded and must be asked for
	// explicitly; DefaultOptions is bounded.
	Capacity int
}

// DefaultCapacity is the live job cap of DefaultOptions.
const DefaultCapacity = 1000

func DefaultOptions() Options {
	return Options{OptimalSize: 50, ActiveLimit: 20, Capacity: DefaultCapacity}
}

// Ledger is the job pool of one connection.
type Ledger struct {
	mu        sync.Mutex
	opts      Options
	pool      []*Job
	head      *Job
	tail      *Job
	activeN   int
	heartbeat *Job
	ready     chan struct{}
}

func NewLedger(opts Options) *Ledger {
	if opts.OptimalSize <= 0 {
		opts.OptimalSize = DefaultOptions().OptimalSize
	}
	if opts.ActiveLimit <= 0 {
		opts.ActiveLimit = DefaultOptions().ActiveLimit
	}
	l := &Ledger{opts: opts, ready: make(chan struct{})}
	prealloc := opts.OptimalSize
	if opts.Capacity > 0 && prealloc > opts.Capacity {
		prealloc = opts.Capacity
	}
	l.pool = make([]*Job, 0, prealloc)
	for i := 0; i < prealloc; i++ {
		l.pool = append(l.pool, newJob(l))
	}
	l.heartbeat = newJob(l)
	hb := packet.New(protocol.MngHeartBeat, 0)
	l.heartbeat.pkg = hb
	l.heartbeat.pkgID = hb.ID
	return l
}

// optimalNonFree is the busy count at or below which a grown pool is
// trimmed back.
func (l *Ledger) optimalNonFree() int {
	return l.opts.OptimalSize * 3 / 4
}

// Allocate takes a free job for pkg and queues it on the active FIFO.
// A non-urgent send over the active limit gets a Handle that is already
// completed with SendQueueFull, together with ErrSendQueueFull. The
// ledger holds its own reference on pkg until the send finishes.
func (l *Ledger) Allocate(pkg *packet.Package, urgent bool) (*Handle, error) {
	if pkg == nil {
		return nil, ErrNilPackage
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	firstFree := -1
	freeN := 0
	for i, j := range l.pool {
		if j.free() {
			if firstFree < 0 {
				firstFree = i
			}
			freeN++
		}
	}

	var j *Job
	if firstFree < 0 {
		if l.opts.Capacity > 0 && len(l.pool) >= l.opts.Capacity {
			return nil, ErrPoolExhausted
		}
		j = newJob(l)
		l.pool = append(l.pool, j)
	} else {
		j = l.pool[firstFree]
		l.trim(firstFree, freeN)
	}

	j.reset()
	j.held = true
	j.pkgID = pkg.ID
	j.urgent = urgent
	h := &Handle{job: j}

	if !urgent && l.activeN >= l.opts.ActiveLimit {
		j.sendResult = SendQueueFull
		j.respResult = SendQueueFull
		return h, ErrSendQueueFull
	}

	j.pkg = pkg.Retain()
	j.active = true
	if l.tail != nil {
		l.tail.next = j
	} else {
		l.head = j
	}
	l.tail = j
	l.activeN++
	close(l.ready)
	l.ready = make(chan struct{})
	return h, nil
}

// trim drops free jobs after the first one while the pool is above the
// optimal size and mostly idle. keep is the index of the job about to be
// reused.
func (l *Ledger) trim(keep, freeN int) {
	if len(l.pool) <= l.opts.OptimalSize {
		return
	}
	nonFree := len(l.pool) - freeN
	if nonFree > l.optimalNonFree() {
		return
	}
	toFree := len(l.pool) - l.opts.OptimalSize
	out := l.pool[:keep+1]
	for _, j := range l.pool[keep+1:] {
		if toFree > 0 && j.free() {
			toFree--
			continue
		}
		out = append(out, j)
	}
	for i := len(out); i < len(l.pool); i++ {
		l.pool[i] = nil
	}
	l.pool = out
}

// Ready is closed the next time a job is queued.
func (l *Ledger) Ready() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Next returns the oldest active job, or nil.
func (l *Ledger) Next() *Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Heartbeat returns the dedicated heartbeat job. It never enters the FIFO.
func (l *Ledger) Heartbeat() *Job {
	return l.heartbeat
}

// Finish pops j from the head of the FIFO, records the send result and
// drops the ledger's package reference. Finishing the heartbeat job or a
// job that is not at the head does nothing.
func (l *Ledger) Finish(j *Job, r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if j == nil || j == l.heartbeat || !j.active || l.head != j {
		return
	}
	l.head = j.next
	if l.head == nil {
		l.tail = nil
	}
	j.next = nil
	j.active = false
	l.activeN--
	pkg := j.pkg
	j.pkg = nil
	j.completeLocked(r)
	if pkg != nil {
		pkg.Release()
	}
}

func (l *Ledger) release(j *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j.held = false
}

// FindByParent returns the referenced job whose package id is parentID.
func (l *Ledger) FindByParent(parentID uuid.UUID) *Job {
	if parentID == uuid.Nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, j := range l.pool {
		if j.held && j.pkgID == parentID {
			return j
		}
	}
	return nil
}

// AppendResponse hands pkg to the referenced job whose package id is its
// parent id. Lookup and append share one critical section, so a job
// recycled for another send never receives it. It reports whether a job
// took the response.
func (l *Ledger) AppendResponse(peer uuid.UUID, pkg *packet.Package) bool {
	if pkg == nil || pkg.ParentID == uuid.Nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, j := range l.pool {
		if j.held && j.pkgID == pkg.ParentID {
			return j.appendResponseLocked(peer, pkg)
		}
	}
	return false
}

// Busy lists active jobs in FIFO order followed by referenced jobs that
// already left the FIFO.
func (l *Ledger) Busy() []*Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busyLocked()
}

func (l *Ledger) busyLocked() []*Job {
	out := make([]*Job, 0, l.activeN)
	for j := l.head; j != nil; j = j.next {
		out = append(out, j)
	}
	for _, j := range l.pool {
		if j.held && !j.active {
			out = append(out, j)
		}
	}
	return out
}

// FailAll empties the FIFO and wakes every busy job with r, send and
// response waiters alike.
func (l *Ledger) FailAll(r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	busy := l.busyLocked()
	for _, j := range busy {
		if j.active {
			j.active = false
			j.next = nil
			if j.pkg != nil {
				j.pkg.Release()
				j.pkg = nil
			}
			if j.sendResult == SendPending {
				j.sendResult = r
			}
		}
		if j.respResult == NoResponse {
			j.respResult = r
		}
		j.notify()
	}
	l.head, l.tail, l.activeN = nil, nil, 0
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Pool   int
	Free   int
	Active int
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{Pool: len(l.pool), Active: l.activeN}
	for _, j := range l.pool {
		if j.free() {
			s.Free++
		}
	}
	return s
}
