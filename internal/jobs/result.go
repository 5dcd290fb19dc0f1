package jobs

import "fmt"

// Result is the outcome of a send or of waiting for a response.
type Result int

const (
	SendPending Result = iota
	Success
	Fail
	InvalidJob
	InvalidPackage
	Timeout
	UrgentlyWoken
	SendQueueFull
	ConnClosedByPeer
	ConnClosedByUser
	HeartbeatTimeout
	NoResponse
)

var resultNames = [...]string{
	SendPending:      "send_pending",
	Success:          "success",
	Fail:             "fail",
	InvalidJob:       "invalid_job",
	InvalidPackage:   "invalid_package",
	Timeout:          "timeout",
	UrgentlyWoken:    "urgently_woken",
	SendQueueFull:    "send_queue_full",
	ConnClosedByPeer: "closed_by_peer",
	ConnClosedByUser: "closed_by_user",
	HeartbeatTimeout: "heartbeat_timeout",
	NoResponse:       "no_response",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Failed reports a terminal failure, as opposed to success or a state
// that is still waiting.
func (r Result) Failed() bool {
	switch r {
	case SendPending, Success, NoResponse, UrgentlyWoken:
		return false
	default:
		return true
	}
}
