// Package protocolmgr implements the protocol manager (C8): a keyed
// registry of named protocols with init/start/stop lifecycle, RX
// dispatch by message type to the component that owns that class of
// frame, and node-address auto-derivation.
package protocolmgr

import (
	"sync"

	"github.com/agsys/loramesher/internal/wire"
)

// ProtocolType names a registered protocol instance.
type ProtocolType string

const (
	ProtocolLoRaMesh   ProtocolType = "loramesh"   // generic placeholder used by this package's own tests
	ProtocolSync       ProtocolType = "syncsvc"    // C5
	ProtocolRouting    ProtocolType = "routing"    // C6
	ProtocolForwarding ProtocolType = "forwarding" // C7
	ProtocolPingPong   ProtocolType = "pingpong"   // C9
)

// Protocol is the lifecycle contract every registered protocol
// implements: Init binds it to the node's address, Start/Stop bracket
// its running lifetime.
type Protocol interface {
	Init(self wire.AddressType) error
	Start() error
	Stop() error
}

// RXHandlers are the per-class dispatch targets named in spec.md §4.7:
// sync beacons to C5, HELLO to C6, DATA/LOST/ACK/ROUTING to C7,
// CONTROL(PING|PONG) to C9. Any field left nil causes messages of that
// class to be dropped and counted instead.
type RXHandlers struct {
	OnSyncBeacon func(msg *wire.Message)
	OnHello      func(msg *wire.Message)
	OnDataClass  func(msg *wire.Message) // DATA, XL_DATA, LOST, ACK, NEED_ACK, ROUTING
	OnControl    func(msg *wire.Message) // CONTROL (PING|PONG)
}

// Manager owns node-address derivation, the named-protocol registry,
// and RX dispatch.
type Manager struct {
	mu sync.Mutex

	self     wire.AddressType
	order    []ProtocolType
	registry map[ProtocolType]Protocol
	handlers RXHandlers
	unknown  uint64
	started  bool
}

// New builds a Manager bound to the resolved node address (see
// DeriveNodeAddress for the 0 → auto-assign rule).
func New(self wire.AddressType, handlers RXHandlers) *Manager {
	return &Manager{self: self, registry: make(map[ProtocolType]Protocol), handlers: handlers}
}

// Self returns the node address this manager was bound to.
func (m *Manager) Self() wire.AddressType {
	return m.self
}

// Register adds a protocol under name, preserving registration order
// for lifecycle start/stop.
func (m *Manager) Register(name ProtocolType, p Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[name]; !exists {
		m.order = append(m.order, name)
	}
	m.registry[name] = p
}

// Get returns the protocol registered under name, if any.
func (m *Manager) Get(name ProtocolType) (Protocol, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.registry[name]
	return p, ok
}

// Start initializes then starts every registered protocol in
// registration order. On any failure it stops what it already started
// (in reverse) and returns the error.
func (m *Manager) Start() error {
	m.mu.Lock()
	order := append([]ProtocolType(nil), m.order...)
	registry := m.registry
	m.mu.Unlock()

	started := make([]ProtocolType, 0, len(order))
	for _, name := range order {
		p := registry[name]
		if err := p.Init(m.self); err != nil {
			m.stopInOrder(started)
			return err
		}
		if err := p.Start(); err != nil {
			m.stopInOrder(started)
			return err
		}
		started = append(started, name)
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

// Stop stops every registered protocol in reverse registration order.
// Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	order := append([]ProtocolType(nil), m.order...)
	m.mu.Unlock()

	return m.stopInOrder(order)
}

func (m *Manager) stopInOrder(order []ProtocolType) error {
	m.mu.Lock()
	registry := m.registry
	m.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		if err := registry[order[i]].Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatch routes a decoded message to the handler for its class, per
// spec.md §4.7. Unknown types are dropped and counted.
func (m *Manager) Dispatch(msg *wire.Message) {
	var handler func(*wire.Message)

	switch {
	case msg.Header.Type == wire.MsgSyncBeacon:
		handler = m.handlers.OnSyncBeacon
	case msg.Header.Type == wire.MsgHello:
		handler = m.handlers.OnHello
	case msg.Header.Type == wire.MsgData || msg.Header.Type == wire.MsgXLData ||
		msg.Header.Type == wire.MsgLost || msg.Header.Type == wire.MsgAck ||
		msg.Header.Type == wire.MsgNeedAck || msg.Header.Type == wire.MsgRouting:
		handler = m.handlers.OnDataClass
	case msg.Header.Type.IsControl():
		handler = m.handlers.OnControl
	}

	if handler == nil {
		m.mu.Lock()
		m.unknown++
		m.mu.Unlock()
		return
	}
	handler(msg)
}

// UnknownCount returns how many received frames were dropped for lack
// of a registered handler.
func (m *Manager) UnknownCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unknown
}

// DeriveNodeAddress resolves the effective node address per spec.md
// §4.7: if configured is non-zero it is used as-is; otherwise mask
// systemID to 16 bits and bump to 1 if that yields exactly 0, since 0 is
// reserved for auto-assignment and can never be a real address.
func DeriveNodeAddress(configured uint16, systemID uint64) wire.AddressType {
	if configured != 0 {
		return wire.AddressType(configured)
	}
	derived := uint16(systemID & 0xFFFF)
	if derived == 0 {
		derived = 1
	}
	return wire.AddressType(derived)
}
