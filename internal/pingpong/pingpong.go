// Package pingpong implements the PingPong protocol (C9): a
// sequence-numbered request/response pair sharing the mesh's radio and
// scheduler substrate, with per-request timeout and a user callback.
package pingpong

import (
	"sync"

	"github.com/agsys/loramesher/internal/lmerr"
	"github.com/agsys/loramesher/internal/wire"
)

// DefaultTimeoutCheckIntervalMs is the nominal timeout-sweep period
// (spec §4.8). CheckTimeouts sweeps whenever it is called; internal/node
// calls it on every 250ms tick and does not read this constant.
const DefaultTimeoutCheckIntervalMs uint32 = 1000

// DefaultPingTimeoutMs is the default per-ping timeout (spec §5).
const DefaultPingTimeoutMs uint32 = 1000

// OnComplete is invoked exactly once per ping: with success=true and the
// measured RTT on a matching PONG, or success=false and rtt=0 on timeout.
type OnComplete func(address wire.AddressType, rttMs uint32, success bool)

// FrameSender transmits a fully encoded frame, typically backed by
// *forwarding.Engine.Send after an internal re-wrap, or directly by
// handing PingPongHeader bytes to the radio manager.
type FrameSender interface {
	SendFrame(dest wire.AddressType, frame []byte) error
}

type pendingKey struct {
	dest wire.AddressType
	seq  uint16
}

type pendingPing struct {
	sentAtMs  uint32
	timeoutMs uint32
	onComplete OnComplete
}

// Protocol implements send_ping plus the PING/PONG RX handlers and
// timeout sweep.
type Protocol struct {
	mu      sync.Mutex
	self    wire.AddressType
	sender  FrameSender
	seqCtr  uint16
	pending map[pendingKey]*pendingPing
	running bool
}

// New builds a Protocol. sender is how the protocol hands an encoded
// PING/PONG frame to the radio.
func New(self wire.AddressType, sender FrameSender) *Protocol {
	return &Protocol{self: self, sender: sender, pending: make(map[pendingKey]*pendingPing)}
}

// Init satisfies protocolmgr.Protocol (C8), binding this registered
// instance to the manager's resolved node address.
func (p *Protocol) Init(self wire.AddressType) error {
	if self != p.self {
		return lmerr.New(lmerr.InvalidState, "pingpong protocol bound to a different node address")
	}
	return nil
}

// Start satisfies protocolmgr.Protocol, marking the protocol live.
func (p *Protocol) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

// Stop satisfies protocolmgr.Protocol. Idempotent.
func (p *Protocol) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (p *Protocol) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SendPing allocates a sequence number, records a PendingPing, and
// transmits a CONTROL/PING frame. nowMs is the monotonic clock reading
// at send time.
func (p *Protocol) SendPing(dest wire.AddressType, nowMs, timeoutMs uint32, onComplete OnComplete) error {
	if timeoutMs == 0 {
		timeoutMs = DefaultPingTimeoutMs
	}

	p.mu.Lock()
	p.seqCtr++
	seq := p.seqCtr
	p.pending[pendingKey{dest: dest, seq: seq}] = &pendingPing{sentAtMs: nowMs, timeoutMs: timeoutMs, onComplete: onComplete}
	p.mu.Unlock()

	header := wire.NewPingPongHeader(dest, p.self, wire.MsgControlPing, seq, nowMs)
	return p.sender.SendFrame(dest, header.Encode())
}

// OnPingReceived responds to a received PING addressed to self with a
// PONG echoing the sequence number and timestamp.
func (p *Protocol) OnPingReceived(ping wire.PingPongHeader) error {
	pong := wire.NewPingPongHeader(ping.Base.Source, p.self, wire.MsgControlPong, ping.SequenceNumber, ping.TimestampMs)
	return p.sender.SendFrame(ping.Base.Source, pong.Encode())
}

// OnPongReceived looks up the matching pending ping, computes RTT
// against nowMs, invokes on_complete(success=true), and erases the
// entry. Returns false if no matching pending ping was found (a late or
// spurious PONG).
func (p *Protocol) OnPongReceived(pong wire.PingPongHeader, nowMs uint32) bool {
	key := pendingKey{dest: pong.Base.Source, seq: pong.SequenceNumber}

	p.mu.Lock()
	entry, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	rtt := nowMs - entry.sentAtMs
	if entry.onComplete != nil {
		entry.onComplete(pong.Base.Source, rtt, true)
	}
	return true
}

// CheckTimeouts scans pending pings and fires on_complete(success=false,
// rtt=0) for any whose timeout has elapsed relative to nowMs, then
// erases them. Intended to be called every
// timeout_check_interval_ms (default 1000ms).
func (p *Protocol) CheckTimeouts(nowMs uint32) {
	p.mu.Lock()
	var expired []pendingKey
	for key, entry := range p.pending {
		if nowMs-entry.sentAtMs > entry.timeoutMs {
			expired = append(expired, key)
		}
	}
	callbacks := make([]func(), 0, len(expired))
	for _, key := range expired {
		entry := p.pending[key]
		delete(p.pending, key)
		dest, cb := key.dest, entry.onComplete
		if cb != nil {
			callbacks = append(callbacks, func() { cb(dest, 0, false) })
		}
	}
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// PendingCount returns how many pings are currently awaiting a PONG or
// timeout, mostly useful for tests and diagnostics.
func (p *Protocol) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
