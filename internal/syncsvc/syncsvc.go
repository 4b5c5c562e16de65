// Package syncsvc implements the synchronization service and Network
// Manager election state machine (C5): Discovery -> Network_Manager |
// Normal_Operation, sync beacon emission/consumption, NM conflict
// tie-breaks, and recovery back to Discovery on beacon loss.
package syncsvc

import (
	"sync"

	"github.com/agsys/loramesher/internal/lmerr"
	"github.com/agsys/loramesher/internal/scheduler"
	"github.com/agsys/loramesher/internal/wire"
)

// State is the node's position in the NM election state machine.
type State int

const (
	StateDiscovery State = iota
	StateNetworkManager
	StateNormalOperation
)

func (s State) String() string {
	switch s {
	case StateDiscovery:
		return "Discovery"
	case StateNetworkManager:
		return "Network_Manager"
	case StateNormalOperation:
		return "Normal_Operation"
	default:
		return "Unknown"
	}
}

// Defaults per spec.md §6.3/§4.4.
const (
	DefaultDiscoveryTimeoutMs uint32 = 30000
	DefaultNMLostTimeoutMs    uint32 = 180000
)

// Config parameterizes the service.
type Config struct {
	Self               wire.AddressType
	MaxHops            uint8
	DiscoveryTimeoutMs uint32
	NMLostTimeoutMs    uint32
}

func DefaultConfig(self wire.AddressType) Config {
	return Config{
		Self:               self,
		MaxHops:            10,
		DiscoveryTimeoutMs: DefaultDiscoveryTimeoutMs,
		NMLostTimeoutMs:    DefaultNMLostTimeoutMs,
	}
}

// Service owns the NM election state and drives scheduler re-anchoring
// on accepted beacons. A single mutex guards all fields, matching the
// spec's single-mutex option for shared substrate (§5).
type Service struct {
	mu sync.Mutex

	cfg       Config
	sched     *scheduler.Scheduler
	state     State
	networkID uint16
	hopCount  uint8
	nm        wire.AddressType

	discoveryStartedAtMs uint32
	lastBeaconAtMs       uint32
	haveSeenBeacon       bool
	running              bool
}

// New builds a Service bound to sched, which it re-anchors via
// SynchronizeWith whenever a beacon from the node's own network with a
// strictly lower hop_count is accepted.
func New(cfg Config, sched *scheduler.Scheduler) *Service {
	return &Service{cfg: cfg, sched: sched, state: StateDiscovery}
}

// State returns the current election state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NetworkManager returns the address of the network manager this node
// currently follows (itself, if State() == StateNetworkManager).
func (s *Service) NetworkManager() wire.AddressType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nm
}

// HopCount returns this node's current hop count from the NM.
func (s *Service) HopCount() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hopCount
}

// NetworkID returns the network this node currently belongs to, for use
// as BuildBeacon's networkID argument.
func (s *Service) NetworkID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networkID
}

// Synchronized reports whether a beacon has been heard and accepted at
// least once, or the node has promoted itself to Network_Manager.
func (s *Service) Synchronized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveSeenBeacon || s.state == StateNetworkManager
}

// Init satisfies protocolmgr.Protocol (C8), binding this registered
// instance to the manager's resolved node address.
func (s *Service) Init(self wire.AddressType) error {
	if self != s.cfg.Self {
		return lmerr.New(lmerr.InvalidState, "syncsvc bound to a different node address")
	}
	return nil
}

// Start enters Discovery at nowMs. protocolmgr.Protocol's Start() error
// has no way to carry a timestamp, so the node wires this in through an
// adapter rather than this method directly (see internal/node/adapters.go).
func (s *Service) Start(nowMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDiscovery
	s.discoveryStartedAtMs = nowMs
	s.haveSeenBeacon = false
	s.running = true
}

// Stop satisfies protocolmgr.Protocol. Idempotent.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick drives the two timeout-based transitions: Discovery ->
// Network_Manager after discovery_timeout_ms with no beacon heard, and
// Normal_Operation -> Discovery after nm_lost_timeout_ms with no beacon
// heard. A Network_Manager never times out.
func (s *Service) Tick(nowMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDiscovery:
		if nowMs-s.discoveryStartedAtMs >= s.cfg.DiscoveryTimeoutMs {
			s.promoteToNetworkManagerLocked(nowMs)
		}
	case StateNormalOperation:
		if s.haveSeenBeacon && nowMs-s.lastBeaconAtMs > s.cfg.NMLostTimeoutMs {
			s.state = StateDiscovery
			s.discoveryStartedAtMs = nowMs
			s.haveSeenBeacon = false
		}
	}
}

func (s *Service) promoteToNetworkManagerLocked(nowMs uint32) {
	s.state = StateNetworkManager
	s.nm = s.cfg.Self
	s.hopCount = 0
	s.networkID = uint16(s.cfg.Self) // a node starting its own network seeds network_id from its own address
	s.sched.SynchronizeWith(nowMs, 0)
}

// BeaconAction tells the caller what to do after OnBeaconReceived: emit
// a forwarded beacon, or do nothing further.
type BeaconAction struct {
	ShouldForward bool
	Forwarded     wire.SyncBeaconHeader
}

// OnBeaconReceived processes a received SYNC_BEACON per spec §4.4:
// NM-conflict tie-break, Normal_Operation hop-count/anchor update, and
// the forwarding decision. receptionTimeMs is this node's local clock
// reading at the moment the beacon was received; processingDelayMs and
// timeOnAirMs feed into the forwarded beacon's propagation_delay_ms.
func (s *Service) OnBeaconReceived(beacon wire.SyncBeaconHeader, receptionTimeMs uint32, processingDelayMs, timeOnAirMs uint32) BeaconAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDiscovery:
		s.adoptNetworkLocked(beacon, receptionTimeMs)
		return BeaconAction{}

	case StateNetworkManager:
		if beacon.NetworkManager < s.nm {
			s.adoptNetworkLocked(beacon, receptionTimeMs)
		}
		// A beacon from a higher-addressed NM while we are NM is ignored.
		return BeaconAction{}

	case StateNormalOperation:
		if beacon.NetworkManager < s.nm {
			s.adoptNetworkLocked(beacon, receptionTimeMs)
			return BeaconAction{}
		}
		if beacon.NetworkManager == s.nm && beacon.NetworkID != s.networkID && beacon.NetworkID < s.networkID {
			s.adoptNetworkLocked(beacon, receptionTimeMs)
			return BeaconAction{}
		}
		if beacon.NetworkID != s.networkID || beacon.NetworkManager != s.nm {
			return BeaconAction{} // not our network, not a lower-priority one either: ignore
		}

		if beacon.HopCount < s.hopCount {
			s.hopCount = beacon.HopCount + 1
			// The wire format carries no explicit current-slot index (see
			// the SyncBeaconHeader layout decision in DESIGN.md); every
			// beacon is anchored to slot 0 of the superframe it describes,
			// so T_tx = reception_time - propagation_delay_ms re-anchors
			// against remote slot 0.
			s.sched.SynchronizeWith(receptionTimeMs-beacon.PropagationDelayMs, 0)
		}
		s.lastBeaconAtMs = receptionTimeMs
		s.haveSeenBeacon = true

		if s.shouldForwardLocked(beacon) {
			forwarded := beacon.CreateForwardedBeacon(s.cfg.Self, processingDelayMs+timeOnAirMs)
			return BeaconAction{ShouldForward: true, Forwarded: forwarded}
		}
		return BeaconAction{}
	}
	return BeaconAction{}
}

// shouldForwardLocked implements ShouldBeForwardedBy: own_hop_count ==
// beacon.hop_count + 1 AND beacon.hop_count < max_hops.
func (s *Service) shouldForwardLocked(beacon wire.SyncBeaconHeader) bool {
	return s.hopCount == beacon.HopCount+1 && beacon.HopCount < s.cfg.MaxHops
}

// adoptNetworkLocked makes this node a Normal_Operation follower of the
// beacon's network: resets hop_count, re-anchors the scheduler, and
// records the beacon as seen.
func (s *Service) adoptNetworkLocked(beacon wire.SyncBeaconHeader, receptionTimeMs uint32) {
	s.state = StateNormalOperation
	s.nm = beacon.NetworkManager
	s.networkID = beacon.NetworkID
	s.hopCount = beacon.HopCount + 1
	s.lastBeaconAtMs = receptionTimeMs
	s.haveSeenBeacon = true
	s.sched.SynchronizeWith(receptionTimeMs-beacon.PropagationDelayMs, 0)
}

// BuildBeacon constructs the beacon this node emits when it owns the
// current CONTROL_TX slot as Network_Manager.
func (s *Service) BuildBeacon(networkID uint16, totalSlots uint8, slotDurationMs uint16, maxHops uint8) wire.SyncBeaconHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.NewSyncBeaconHeader(wire.AddressBroadcast, s.cfg.Self, networkID, totalSlots, slotDurationMs, s.nm, s.hopCount, 0, maxHops)
}
