package registry

import (
	"sync"

	"github.com/danmuck/iolink/internal/endpoint"
	"github.com/google/uuid"
)

// Info is a point in time view of one endpoint.
type Info struct {
	Peer             string `json:"peer"`
	SenderType       string `json:"sender_type"`
	Remote           string `json:"remote"`
	State            string `json:"state"`
	Mode             string `json:"mode"`
	PeerVersion      string `json:"peer_version"`
	PeerDescription  string `json:"peer_description,omitempty"`
	SentPackages     uint64 `json:"sent_packages"`
	ReceivedPackages uint64 `json:"received_packages"`
	SentBytes        uint64 `json:"sent_bytes"`
	ReceivedBytes    uint64 `json:"received_bytes"`
	ActiveJobs       int    `json:"active_jobs"`
}

func describe(e *endpoint.Endpoint) Info {
	peer := e.PeerIdentity()
	st := e.Stats()
	return Info{
		Peer:             peer.ConnectionID.String(),
		SenderType:       peer.SenderType.String(),
		Remote:           e.RemoteAddr(),
		State:            e.State().String(),
		Mode:             e.SecurityMode().String(),
		PeerVersion:      e.PeerVersion().String(),
		PeerDescription:  e.PeerDescription(),
		SentPackages:     st.SentPackages,
		ReceivedPackages: st.ReceivedPackages,
		SentBytes:        st.SentBytes,
		ReceivedBytes:    st.ReceivedBytes,
		ActiveJobs:       st.Jobs.Active,
	}
}

// originIndex remembers which peer delivered a request, evicting the
// oldest entries past its capacity.
type originIndex struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]uuid.UUID
	order []uuid.UUID
	next  int
}

func newOriginIndex(capacity int) *originIndex {
	return &originIndex{
		byID:  make(map[uuid.UUID]uuid.UUID, capacity),
		order: make([]uuid.UUID, capacity),
	}
}

func (o *originIndex) put(request, peer uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.byID[request]; ok {
		o.byID[request] = peer
		return
	}
	if old := o.order[o.next]; old != uuid.Nil {
		delete(o.byID, old)
	}
	o.order[o.next] = request
	o.next = (o.next + 1) % len(o.order)
	o.byID[request] = peer
}

func (o *originIndex) get(request uuid.UUID) (uuid.UUID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	peer, ok := o.byID[request]
	return peer, ok
}
