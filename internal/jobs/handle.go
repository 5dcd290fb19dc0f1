package jobs

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle is the caller's reference to a Job. Every Handle must be
// released; a released Handle answers InvalidJob.
type Handle struct {
	job      *Job
	released atomic.Bool
}

func (h *Handle) valid() bool {
	return h != nil && h.job != nil && !h.released.Load()
}

// PackageID is the id of the sent package, the parent id of any response.
func (h *Handle) PackageID() uuid.UUID {
	if !h.valid() {
		return uuid.Nil
	}
	return h.job.PackageID()
}

func (h *Handle) SendResult() Result {
	if !h.valid() {
		return InvalidJob
	}
	return h.job.SendResult()
}

func (h *Handle) WaitForSend(ctx context.Context) (Result, error) {
	if !h.valid() {
		return InvalidJob, nil
	}
	return h.job.WaitForSend(ctx)
}

func (h *Handle) WaitForResponse(ctx context.Context) (Result, error) {
	if !h.valid() {
		return InvalidJob, nil
	}
	return h.job.WaitForResponse(ctx)
}

// Wait waits for the send and then for the first response.
func (h *Handle) Wait(ctx context.Context) (Result, []Response, error) {
	r, err := h.WaitForSend(ctx)
	if err != nil || r != Success {
		return r, nil, err
	}
	r, err = h.WaitForResponse(ctx)
	if err != nil || r != Success {
		return r, nil, err
	}
	r, resp := h.TakeResponse()
	return r, resp, nil
}

func (h *Handle) TakeResponse() (Result, []Response) {
	if !h.valid() {
		return InvalidJob, nil
	}
	return h.job.TakeResponse()
}

func (h *Handle) ClearResponse() {
	if h.valid() {
		h.job.ClearResponse()
	}
}

func (h *Handle) WakeUrgently() {
	if h.valid() {
		h.job.WakeUrgently()
	}
}

// Release drops the caller's reference. Safe to call more than once.
func (h *Handle) Release() {
	if h == nil || h.job == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.job.l.release(h.job)
}
