package endpoint

import (
	"fmt"

	"github.com/danmuck/iolink/internal/jobs"
)

// State is the connection lifecycle as seen by callers.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats counts traffic since the endpoint connected.
type Stats struct {
	SentPackages     uint64
	ReceivedPackages uint64
	SentBytes        uint64
	ReceivedBytes    uint64
	Jobs             jobs.Stats
}
