package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/iolink/internal/jobs"
	logs "github.com/danmuck/iolink/internal/logging"
	"github.com/danmuck/iolink/internal/protocol"
	"github.com/danmuck/iolink/internal/protocol/packet"
)

// TrafficReport is the peer's view of its own counters, sent every
// heartbeat interval while reports are enabled.
type TrafficReport struct {
	At               time.Time `cbor:"1,keyasint"`
	SentPackages     uint64    `cbor:"2,keyasint"`
	ReceivedPackages uint64    `cbor:"3,keyasint"`
	SentBytes        uint64    `cbor:"4,keyasint"`
	ReceivedBytes    uint64    `cbor:"5,keyasint"`
	ActiveJobs       int       `cbor:"6,keyasint"`
}

// TimeSample is the outcome of one SyncTime exchange. Offset is the peer
// clock minus the local clock at the midpoint of the round trip.
type TimeSample struct {
	RTT    time.Duration
	Offset time.Duration
}

type clockReading struct {
	UnixNano int64 `cbor:"1,keyasint"`
}

// StartTrafficReports asks the peer to send TrafficReport packages.
func (e *Endpoint) StartTrafficReports() error {
	return e.sendManagement(protocol.MngStartTrafficReport)
}

// StopTrafficReports asks the peer to stop reporting.
func (e *Endpoint) StopTrafficReports() error {
	return e.sendManagement(protocol.MngStopTrafficReport)
}

// PeerTraffic returns the last report received from the peer.
func (e *Endpoint) PeerTraffic() (TrafficReport, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.peerTraffic == nil {
		return TrafficReport{}, false
	}
	return *e.peerTraffic, true
}

// SyncTime measures the round trip to the peer and its clock offset.
func (e *Endpoint) SyncTime(ctx context.Context) (TimeSample, error) {
	req := packet.New(protocol.MngTimeSync, 0)
	start := time.Now()
	h, err := e.Send(req)
	if err != nil {
		return TimeSample{}, err
	}
	defer h.Release()
	r, resp, err := h.Wait(ctx)
	if err != nil {
		return TimeSample{}, err
	}
	if r != jobs.Success || len(resp) == 0 {
		return TimeSample{}, fmt.Errorf("endpoint: time sync %s", r)
	}
	rtt := time.Since(start)
	data, err := resp[0].Package.Data(0)
	if err != nil {
		return TimeSample{}, err
	}
	var peer clockReading
	if err := bundleDec.Unmarshal(data, &peer); err != nil {
		return TimeSample{}, fmt.Errorf("endpoint: time sync payload: %w", err)
	}
	mid := start.Add(rtt / 2)
	return TimeSample{RTT: rtt, Offset: time.Unix(0, peer.UnixNano).Sub(mid)}, nil
}

func (e *Endpoint) sendManagement(typ uint32) error {
	h, err := e.Send(packet.New(typ, 0))
	if err != nil {
		return err
	}
	h.Release()
	return nil
}

// answerTimeSync replies to a TimeSync request with the local clock.
func (e *Endpoint) answerTimeSync(req *packet.Package) {
	data, err := bundleEnc.Marshal(clockReading{UnixNano: time.Now().UnixNano()})
	if err != nil {
		logs.Errorf("endpoint.time_sync encode err=%v", err)
		return
	}
	resp := packet.MakeDirectResponse(req, protocol.MngTimeSync, 1)
	if err := resp.SetBuffer(0, packet.EncodingRaw, data); err != nil {
		logs.Errorf("endpoint.time_sync buffer err=%v", err)
		return
	}
	if h, err := e.SendUrgent(resp); err == nil {
		h.Release()
	} else {
		logs.Warnf("endpoint.time_sync reply failed peer=%s err=%v", e.PeerIdentity(), err)
	}
}

// queueTrafficReport sends the current counters to the peer.
func (e *Endpoint) queueTrafficReport() {
	st := e.Stats()
	data, err := bundleEnc.Marshal(TrafficReport{
		At:               time.Now().UTC(),
		SentPackages:     st.SentPackages,
		ReceivedPackages: st.ReceivedPackages,
		SentBytes:        st.SentBytes,
		ReceivedBytes:    st.ReceivedBytes,
		ActiveJobs:       st.Jobs.Active,
	})
	if err != nil {
		logs.Errorf("endpoint.traffic_report encode err=%v", err)
		return
	}
	pkg, err := packet.NewWithData(protocol.MngTrafficReport, packet.EncodingRaw, data)
	if err != nil {
		return
	}
	if h, err := e.Send(pkg); err == nil {
		h.Release()
	} else {
		logs.Debugf("endpoint.traffic_report skipped peer=%s err=%v", e.PeerIdentity(), err)
	}
}

func (e *Endpoint) receiveTrafficReport(pkg *packet.Package) {
	data, err := pkg.Data(0)
	if err != nil {
		logs.Warnf("endpoint.traffic_report bad buffer peer=%s err=%v", e.PeerIdentity(), err)
		return
	}
	var r TrafficReport
	if err := bundleDec.Unmarshal(data, &r); err != nil {
		logs.Warnf("endpoint.traffic_report decode peer=%s err=%v", e.PeerIdentity(), err)
		return
	}
	e.mu.Lock()
	e.peerTraffic = &r
	e.mu.Unlock()
	if e.cfg.OnTrafficReport != nil {
		e.cfg.OnTrafficReport(e, r)
	}
}
