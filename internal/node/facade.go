package node

import (
	"github.com/agsys/loramesher/internal/api"
	"github.com/agsys/loramesher/internal/pingpong"
	"github.com/agsys/loramesher/internal/wire"
)

// Self returns the node's resolved 16-bit address.
func (n *Node) Self() wire.AddressType {
	return n.self
}

// Send implements api.Facade by handing payload to the forwarding
// engine's outbound queue.
func (n *Node) Send(dest wire.AddressType, payload []byte) error {
	return n.fwd.Send(dest, payload)
}

// SendPing implements api.Facade. The completion callback additionally
// records the round trip to the optional database before the caller's
// callback runs.
func (n *Node) SendPing(dest wire.AddressType, timeoutMs uint32, onComplete pingpong.OnComplete) error {
	wrapped := func(addr wire.AddressType, rttMs uint32, success bool) {
		if n.db != nil {
			if _, err := n.db.InsertPingResult(uint16(addr), rttMs, success); err != nil {
				// persistence failure must not block delivering the result to the caller
				_ = err
			}
		}
		if onComplete != nil {
			onComplete(addr, rttMs, success)
		}
	}
	return n.pp.SendPing(dest, nowMs(), timeoutMs, wrapped)
}

// RoutingTable implements api.Facade.
func (n *Node) RoutingTable() []api.RouteView {
	snapshot := n.rt.Snapshot()
	views := make([]api.RouteView, 0, len(snapshot))
	for _, r := range snapshot {
		views = append(views, api.RouteView{
			Destination: r.Destination,
			NextHop:     r.NextHop,
			HopCount:    r.HopCount,
			LinkQuality: r.LinkQuality,
		})
	}
	return views
}

// NetworkStatus implements api.Facade.
func (n *Node) NetworkStatus() api.NetworkStatus {
	ms := nowMs()
	return api.NetworkStatus{
		State:          n.sync.State().String(),
		NetworkManager: n.sync.NetworkManager(),
		CurrentSlot:    n.sched.CurrentSlot(ms),
		Synchronized:   n.sync.Synchronized(),
		ConnectedNodes: n.rt.NodeCount(),
	}
}

// SlotTable implements api.Facade, returning each slot's class name in
// order (spec.md §6.4's get_slot_table response).
func (n *Node) SlotTable() []string {
	frame := n.sched.Frame()
	table := make([]string, 0, frame.TotalSlots)
	for i := uint16(0); i < frame.TotalSlots; i++ {
		table = append(table, n.sched.SlotType(i).String())
	}
	return table
}
