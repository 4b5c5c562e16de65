package node

import (
	"log"

	"github.com/agsys/loramesher/internal/wire"
)

// handleSyncBeacon processes a received SYNC_BEACON and re-transmits
// the forwarded beacon syncsvc decides to relay.
func (n *Node) handleSyncBeacon(msg *wire.Message) {
	full, err := wire.DecodeSyncBeaconHeader(append(msg.Header.Encode(), msg.Payload...))
	if err != nil {
		log.Printf("failed to decode sync beacon: %v", err)
		return
	}

	action := n.sync.OnBeaconReceived(full, nowMs(), 0, uint32(n.rm.TimeOnAirMs(len(msg.Payload))))
	if action.ShouldForward {
		if err := n.rm.Send(action.Forwarded.Encode()); err != nil {
			log.Printf("failed to forward beacon: %v", err)
		}
	}
}

// handleHello decodes a HELLO's neighbor-summary body and folds it into
// the routing table.
func (n *Node) handleHello(msg *wire.Message) {
	payload, err := wire.DecodeHelloPayload(msg.Payload)
	if err != nil {
		log.Printf("failed to decode hello payload: %v", err)
		return
	}
	rssi, snr := n.rm.LastPacketRSSI(), n.rm.LastPacketSNR()
	n.rt.OnHello(msg.Header.Source, payload.BatteryLevel, payload.Capabilities, nowMs(), rssi, snr, payload.Neighbors)
}

// handleDataClass routes DATA/XL_DATA/LOST/ACK/NEED_ACK/ROUTING frames
// into the forwarding engine.
func (n *Node) handleDataClass(msg *wire.Message) {
	if len(msg.Payload) < wire.RoutingHeaderSize {
		return
	}
	routingHdr, err := wire.DecodeRoutingHeader(msg.Payload[:wire.RoutingHeaderSize])
	if err != nil {
		log.Printf("failed to decode routing header: %v", err)
		return
	}
	n.fwd.OnReceiveData(msg.Header, routingHdr, msg.Payload[wire.RoutingHeaderSize:])
}

// handleControl routes CONTROL-class frames (PING|PONG) to PingPong.
func (n *Node) handleControl(msg *wire.Message) {
	pp, err := wire.DecodePingPongHeader(append(msg.Header.Encode(), msg.Payload...))
	if err != nil {
		log.Printf("failed to decode ping/pong header: %v", err)
		return
	}
	switch msg.Header.Type {
	case wire.MsgControlPing:
		if err := n.pp.OnPingReceived(pp); err != nil {
			log.Printf("failed to reply to ping: %v", err)
		}
	case wire.MsgControlPong:
		n.pp.OnPongReceived(pp, nowMs())
	}
}
