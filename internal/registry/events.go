package registry

import (
	"fmt"

	"github.com/danmuck/iolink/internal/endpoint"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol"
)

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventDetached
	EventAttached
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventDetached:
		return "detached"
	case EventAttached:
		return "attached"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a state change of one registered endpoint. Code is set for
// disconnects.
type Event struct {
	Kind EventKind
	Peer protocol.Identity
	Code endpoint.Code
}

// Subscribe returns a channel of future events and a cancel func. Slow
// subscribers lose events rather than stall endpoints.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	r.subsMu.Lock()
	if r.halt.ReqStop.IsClosed() {
		r.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subsMu.Unlock()
	return ch, func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

func (r *Registry) publish(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			logs.Warnf("registry.subscriber dropped event=%s peer=%s subscriber=%d", ev.Kind, ev.Peer, id)
		}
	}
}
