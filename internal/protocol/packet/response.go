package packet

import "sync/atomic"

var numericSeq atomic.Uint64

// AssignNumericID gives p the next process-wide sequence number unless it
// already carries one. Retransmissions keep their original number.
func AssignNumericID(p *Package) uint64 {
	if p.NumericID == 0 {
		p.NumericID = numericSeq.Add(1)
	}
	return p.NumericID
}

// MakeDirectResponse builds a response addressed to the request's sender.
func MakeDirectResponse(parent *Package, typ uint32, nbuf int) *Package {
	p := New(typ, nbuf)
	if parent == nil {
		return p
	}
	p.ParentID = parent.ID
	p.ReceiverID = parent.SenderID
	return p
}

// MakeBroadcastResponse builds a response that names only its parent; the
// registry delivers it to whichever endpoint owns that parent.
func MakeBroadcastResponse(parent *Package, typ uint32, nbuf int) *Package {
	p := New(typ, nbuf)
	if parent != nil {
		p.ParentID = parent.ID
	}
	return p
}

// MakeForwardRequest builds a request that keeps the original sender.
func MakeForwardRequest(request *Package, typ uint32, nbuf int) *Package {
	p := New(typ, nbuf)
	if request != nil {
		p.SenderID = request.SenderID
	}
	return p
}
