package node

import (
	"github.com/agsys/loramesher/internal/radio"
	"github.com/agsys/loramesher/internal/routing"
	"github.com/agsys/loramesher/internal/syncsvc"
	"github.com/agsys/loramesher/internal/wire"
)

// routeLookupAdapter narrows *routing.Table to forwarding.RouteLookup's
// three-value shape, keeping the forwarding package free of an import
// on the concrete routing type.
type routeLookupAdapter struct {
	table *routing.Table
}

func (a routeLookupAdapter) GetRoute(dest wire.AddressType) (wire.AddressType, uint8, bool) {
	entry, ok := a.table.GetRoute(dest)
	if !ok {
		return 0, 0, false
	}
	return entry.NextHop, entry.HopCount, true
}

// radioFrameSender adapts *radio.Manager to pingpong.FrameSender. PING
// and PONG bypass the forwarding engine and routing table entirely
// (spec.md §4.8: they ride the same radio and scheduler substrate but
// are not routed datagrams), so this hands the fully encoded
// PingPongHeader straight to the radio.
type radioFrameSender struct {
	radio *radio.Manager
}

func (s radioFrameSender) SendFrame(_ wire.AddressType, frame []byte) error {
	return s.radio.Send(frame)
}

// syncsvcProtocol adapts *syncsvc.Service to protocolmgr.Protocol:
// Service.Start takes an explicit nowMs the interface has no room for,
// so this supplies the node's clock at registry-start time instead.
type syncsvcProtocol struct {
	svc *syncsvc.Service
}

func (a syncsvcProtocol) Init(self wire.AddressType) error {
	return a.svc.Init(self)
}

func (a syncsvcProtocol) Start() error {
	a.svc.Start(nowMs())
	return nil
}

func (a syncsvcProtocol) Stop() error {
	return a.svc.Stop()
}
