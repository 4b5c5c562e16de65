// Package forwarding implements the forwarding engine (C7): outbound
// datagram queueing by next hop, broadcast dedup, relay of frames
// addressed elsewhere, and slot-admission checks before handing a frame
// to the radio. Relayed frames carry no remaining-hop count and none is
// decremented; a unicast relay is dropped only when the destination has
// no route or its route's hop count is zero.
package forwarding

import (
	"sync"

	"github.com/agsys/loramesher/internal/lmerr"
	"github.com/agsys/loramesher/internal/wire"
)

// DefaultGuardTimeMs is subtracted from the remaining slot time before
// admitting a transmission, to leave margin for switchover/IRQ latency.
const DefaultGuardTimeMs = 10

// DedupCacheSize bounds how many (source, sequence_id) pairs are
// remembered for broadcast/loop dedup.
const DedupCacheSize = 128

// RouteLookup resolves a destination to a next hop, mirroring
// routing.Table.GetRoute without creating an import-cycle dependency
// on the concrete routing package.
type RouteLookup interface {
	GetRoute(dest wire.AddressType) (nextHop wire.AddressType, hopCount uint8, ok bool)
}

// SlotTimer answers how much of the current TX slot remains, used for
// the admission check.
type SlotTimer interface {
	RemainingSlotTimeMs(nowMs uint32) uint32
}

// TimeOnAirEstimator computes how long a payload of a given length
// would take to transmit.
type TimeOnAirEstimator interface {
	TimeOnAirMs(payloadLen int) float64
}

// queuedFrame is one pending outbound transmission.
type queuedFrame struct {
	dest    wire.AddressType
	payload []byte // full wire-ready frame bytes (header + routing + payload)
}

// dedupKey identifies a unique broadcast/relay to avoid reprocessing.
type dedupKey struct {
	source     wire.AddressType
	sequenceID uint8
}

// Engine is the forwarding engine. Outbound sends and relayed inbound
// frames share one TX queue, drained into the radio when the slot
// admission check passes.
type Engine struct {
	mu sync.Mutex

	self     wire.AddressType
	maxHops  uint8
	routes   RouteLookup
	slots    SlotTimer
	airtime  TimeOnAirEstimator
	guardMs  uint32

	txQueue []queuedFrame
	seqCtr  uint8

	dedupOrder []dedupKey
	dedupSeen  map[dedupKey]struct{}

	onDataReceived func(source wire.AddressType, payload []byte)
	onLost         func(toward wire.AddressType)

	running bool
}

// Config parameterizes Engine.
type Config struct {
	Self    wire.AddressType
	MaxHops uint8
	GuardMs uint32
}

// New builds an Engine. routes, slots, and airtime are typically backed
// by *routing.Table, *scheduler.Scheduler, and *radio.Manager
// respectively, wired together in internal/node.
func New(cfg Config, routes RouteLookup, slots SlotTimer, airtime TimeOnAirEstimator) *Engine {
	guard := cfg.GuardMs
	if guard == 0 {
		guard = DefaultGuardTimeMs
	}
	return &Engine{
		self:      cfg.Self,
		maxHops:   cfg.MaxHops,
		routes:    routes,
		slots:     slots,
		airtime:   airtime,
		guardMs:   guard,
		dedupSeen: make(map[dedupKey]struct{}),
	}
}

// Init satisfies protocolmgr.Protocol (C8), binding this registered
// instance to the manager's resolved node address.
func (e *Engine) Init(self wire.AddressType) error {
	if self != e.self {
		return lmerr.New(lmerr.InvalidState, "forwarding engine bound to a different node address")
	}
	return nil
}

// Start satisfies protocolmgr.Protocol, marking the engine live.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	return nil
}

// Stop satisfies protocolmgr.Protocol. Idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SetDataReceivedCallback registers the Application API's
// on_data_received callback.
func (e *Engine) SetDataReceivedCallback(fn func(source wire.AddressType, payload []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDataReceived = fn
}

// SetLostCallback registers the handler invoked when a frame is dropped
// for lack of a route, given the chance to emit a LOST control frame.
func (e *Engine) SetLostCallback(fn func(toward wire.AddressType)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLost = fn
}

// Send wraps payload in a DATA frame from self to dest and enqueues it
// for the next TX slot. Broadcast destinations are delivered to every
// neighbor exactly once per (self, sequence_id).
func (e *Engine) Send(dest wire.AddressType, payload []byte) error {
	if len(payload) > wire.MaxPayloadSize-wire.RoutingHeaderSize {
		return lmerr.New(lmerr.InvalidParameter, "payload too large once routing header is added")
	}

	e.mu.Lock()
	e.seqCtr++
	seq := e.seqCtr
	e.mu.Unlock()

	nextHop := dest
	if dest != wire.AddressBroadcast {
		hop, _, ok := e.routes.GetRoute(dest)
		if !ok {
			return lmerr.New(lmerr.InvalidState, "no route to destination")
		}
		nextHop = hop
	}

	frame := e.buildDataFrame(dest, nextHop, seq, payload)

	e.mu.Lock()
	e.txQueue = append(e.txQueue, queuedFrame{dest: nextHop, payload: frame})
	e.mu.Unlock()
	return nil
}

func (e *Engine) buildDataFrame(dest, nextHop wire.AddressType, seq uint8, payload []byte) []byte {
	routing := wire.RoutingHeader{NextHop: nextHop, SequenceID: seq, FragmentNumber: 0}
	body := append(routing.Encode(), payload...)
	msg, _ := wire.NewMessage(dest, e.self, wire.MsgData, body)
	return msg.Encode()
}

// Pending returns the number of frames waiting for a TX slot.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.txQueue)
}

// TryDequeue checks slot admission for the head-of-queue frame at nowMs
// and, if it fits, removes and returns it. If the frame would not fit
// the remaining slot time it is left queued for the next TX slot.
func (e *Engine) TryDequeue(nowMs uint32) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.txQueue) == 0 {
		return nil, false
	}
	head := e.txQueue[0]
	remaining := e.slots.RemainingSlotTimeMs(nowMs)
	needed := e.airtime.TimeOnAirMs(len(head.payload))
	if needed+float64(e.guardMs) > float64(remaining) {
		return nil, false
	}
	e.txQueue = e.txQueue[1:]
	return head.payload, true
}

// OnReceiveData handles an inbound DATA/ROUTING frame: delivers to the
// application if addressed here or broadcast, otherwise relays toward
// the destination if a route with a non-zero hop count exists, applying
// (source, sequence_id) dedup against loops and duplicate broadcasts.
func (e *Engine) OnReceiveData(header wire.BaseHeader, routingHdr wire.RoutingHeader, payload []byte) {
	key := dedupKey{source: header.Source, sequenceID: routingHdr.SequenceID}

	e.mu.Lock()
	if _, seen := e.dedupSeen[key]; seen {
		e.mu.Unlock()
		return
	}
	e.rememberLocked(key)
	e.mu.Unlock()

	if header.Destination == e.self || header.Destination == wire.AddressBroadcast {
		e.mu.Lock()
		cb := e.onDataReceived
		e.mu.Unlock()
		if cb != nil {
			cb(header.Source, payload)
		}
	}
	if header.Destination == wire.AddressBroadcast {
		e.relayBroadcast(header, routingHdr, payload)
		return
	}
	if header.Destination != e.self {
		e.relayUnicast(header, routingHdr, payload)
	}
}

func (e *Engine) relayBroadcast(header wire.BaseHeader, routingHdr wire.RoutingHeader, payload []byte) {
	frame := e.buildDataFrame(wire.AddressBroadcast, wire.AddressBroadcast, routingHdr.SequenceID, payload)
	_ = header
	e.mu.Lock()
	e.txQueue = append(e.txQueue, queuedFrame{dest: wire.AddressBroadcast, payload: frame})
	e.mu.Unlock()
}

func (e *Engine) relayUnicast(header wire.BaseHeader, routingHdr wire.RoutingHeader, payload []byte) {
	nextHop, hopCount, ok := e.routes.GetRoute(header.Destination)
	if !ok || hopCount == 0 {
		e.mu.Lock()
		cb := e.onLost
		e.mu.Unlock()
		if cb != nil {
			cb(header.Source)
		}
		return
	}
	frame := e.buildDataFrame(header.Destination, nextHop, routingHdr.SequenceID, payload)
	e.mu.Lock()
	e.txQueue = append(e.txQueue, queuedFrame{dest: nextHop, payload: frame})
	e.mu.Unlock()
}

// rememberLocked records key in the dedup cache, evicting the oldest
// entry once DedupCacheSize is reached.
func (e *Engine) rememberLocked(key dedupKey) {
	e.dedupSeen[key] = struct{}{}
	e.dedupOrder = append(e.dedupOrder, key)
	if len(e.dedupOrder) > DedupCacheSize {
		oldest := e.dedupOrder[0]
		e.dedupOrder = e.dedupOrder[1:]
		delete(e.dedupSeen, oldest)
	}
}
