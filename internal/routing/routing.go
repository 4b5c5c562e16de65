// Package routing implements the routing table and HELLO service (C6):
// per-neighbor link quality tracking, next-hop route installation from
// HELLO neighbor summaries, expiration, loop prevention, and the
// max_network_nodes bound with oldest-first eviction.
package routing

import (
	"sync"

	"github.com/agsys/loramesher/internal/lmerr"
	"github.com/agsys/loramesher/internal/wire"
)

// DefaultMaxHops bounds route depth (spec §6.3 default).
const DefaultMaxHops = 10

// DefaultMaxNetworkNodes bounds routing table size (spec §6.3 default).
const DefaultMaxNetworkNodes = 64

// DefaultRouteTimeoutMs is the eviction threshold for a stale route or
// neighbor (spec §6.3 default).
const DefaultRouteTimeoutMs uint32 = 180000

// linkQualityAlpha is the EWMA smoothing factor for link quality
// (spec §4.5).
const linkQualityAlpha = 0.25

// RoutingEntry is a single destination's best known next hop.
type RoutingEntry struct {
	Destination wire.AddressType
	NextHop     wire.AddressType
	HopCount    uint8
	LinkQuality uint8 // 0..255
	LastSeenMs  uint32
	IsValid     bool
}

// NeighborSummaryEntry is one entry of a HELLO broadcast's neighbor
// summary: what the sender currently knows about a remote peer.
type NeighborSummaryEntry struct {
	Address     wire.AddressType
	HopCount    uint8
	LinkQuality uint8
}

// NetworkNode is a peer descriptor: everything the local node has
// learned about another address from HELLOs and beacons.
type NetworkNode struct {
	Address          wire.AddressType
	BatteryLevel     uint8
	LastSeenMs       uint32
	IsNetworkManager bool
	Capabilities     uint8
	AllocatedSlots   uint8
	NextHop          wire.AddressType
	Routing          RoutingEntry
}

// RouteUpdate describes a change in the routing table, delivered to the
// Application API's on_route_update callback.
type RouteUpdate struct {
	Updated     bool // false on eviction/removal
	Destination wire.AddressType
	NextHop     wire.AddressType
	HopCount    uint8
}

// Table owns the routing table and the neighbor/node set. A single
// mutex serializes HELLO handling, tick-driven expiration, and reads
// from the forwarding engine and the Application API, matching the
// spec's single-mutex concurrency option for shared substrate (§5).
type Table struct {
	mu              sync.Mutex
	self            wire.AddressType
	maxHops         uint8
	maxNodes        int
	routeTimeoutMs  uint32
	routes          map[wire.AddressType]RoutingEntry
	nodes           map[wire.AddressType]*NetworkNode
	onRouteUpdate   func(RouteUpdate)
	running         bool
}

// Config parameterizes Table from spec.md §6.3's protocol options.
type Config struct {
	Self           wire.AddressType
	MaxHops        uint8
	MaxNetworkNodes int
	RouteTimeoutMs uint32
}

// DefaultConfig returns spec.md §6.3's default routing parameters.
func DefaultConfig(self wire.AddressType) Config {
	return Config{
		Self:            self,
		MaxHops:         DefaultMaxHops,
		MaxNetworkNodes: DefaultMaxNetworkNodes,
		RouteTimeoutMs:  DefaultRouteTimeoutMs,
	}
}

// New builds an empty Table.
func New(cfg Config) *Table {
	return &Table{
		self:           cfg.Self,
		maxHops:        cfg.MaxHops,
		maxNodes:       cfg.MaxNetworkNodes,
		routeTimeoutMs: cfg.RouteTimeoutMs,
		routes:         make(map[wire.AddressType]RoutingEntry),
		nodes:          make(map[wire.AddressType]*NetworkNode),
	}
}

// Init satisfies protocolmgr.Protocol (C8), binding this registered
// instance to the manager's resolved node address.
func (t *Table) Init(self wire.AddressType) error {
	if self != t.self {
		return lmerr.New(lmerr.InvalidState, "routing table bound to a different node address")
	}
	return nil
}

// Start satisfies protocolmgr.Protocol, marking the HELLO service live.
func (t *Table) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
	return nil
}

// Stop satisfies protocolmgr.Protocol. Idempotent.
func (t *Table) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (t *Table) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// SetRouteUpdateCallback registers the listener fired on every route
// install or eviction. Pass nil to clear it.
func (t *Table) SetRouteUpdateCallback(fn func(RouteUpdate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRouteUpdate = fn
}

// SeedHint loads a persisted routing entry as an unconfirmed hint:
// it is stored but marked invalid, so GetRoute ignores it until a real
// HELLO re-establishes the route. Never a substitute for Discovery/HELLO.
func (t *Table) SeedHint(destination, nextHop wire.AddressType, hopCount, linkQuality uint8, lastSeenMs uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if destination == t.self {
		return
	}
	t.routes[destination] = RoutingEntry{
		Destination: destination,
		NextHop:     nextHop,
		HopCount:    hopCount,
		LinkQuality: linkQuality,
		LastSeenMs:  lastSeenMs,
		IsValid:     false,
	}
}

// GetRoute returns the current route to dest, if any and valid.
func (t *Table) GetRoute(dest wire.AddressType) (RoutingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[dest]
	if !ok || !r.IsValid {
		return RoutingEntry{}, false
	}
	return r, true
}

// rssiSNRtoLinkQuality maps an RSSI/SNR pair onto a 0..255 scale. RSSI
// is clamped to the usable LoRa range [-130, -30] dBm and mixed with a
// clamped SNR contribution [-20, 10] dB, weighting RSSI more heavily
// since it dominates link reliability at the edge of range.
func rssiSNRtoLinkQuality(rssi, snr float64) uint8 {
	clamp := func(v, lo, hi float64) float64 {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	rssiScore := (clamp(rssi, -130, -30) + 130) / 100 * 255
	snrScore := (clamp(snr, -20, 10) + 20) / 30 * 255
	score := rssiScore*0.7 + snrScore*0.3
	if score < 0 {
		score = 0
	}
	if score > 255 {
		score = 255
	}
	return uint8(score)
}

// ewma applies the link-quality smoothing rule from spec §4.5.
func ewma(old, sample uint8) uint8 {
	result := linkQualityAlpha*float64(sample) + (1-linkQualityAlpha)*float64(old)
	if result > 255 {
		return 255
	}
	return uint8(result)
}

// OnHello handles a received HELLO: upserts the sender as a neighbor
// with link quality derived from RSSI/SNR, then considers every entry
// in the neighbor summary as a candidate multi-hop route.
func (t *Table) OnHello(sender wire.AddressType, batteryLevel, capabilities uint8, nowMs uint32,
	rssi, snr float64, summary []NeighborSummaryEntry) {

	t.mu.Lock()
	defer t.mu.Unlock()

	sample := rssiSNRtoLinkQuality(rssi, snr)
	node, exists := t.nodes[sender]
	if !exists {
		node = &NetworkNode{Address: sender}
		t.nodes[sender] = node
	}
	node.BatteryLevel = batteryLevel
	node.Capabilities = capabilities
	node.LastSeenMs = nowMs
	oldLQ := node.Routing.LinkQuality
	newLQ := ewma(oldLQ, sample)

	node.Routing = RoutingEntry{
		Destination: sender,
		NextHop:     sender,
		HopCount:    1,
		LinkQuality: newLQ,
		LastSeenMs:  nowMs,
		IsValid:     true,
	}
	node.NextHop = sender

	t.installRouteLocked(node.Routing)
	t.enforceBoundsLocked()

	for _, r := range summary {
		if r.Address == t.self || r.Address == sender {
			continue // never install a route whose next_hop would loop back
		}
		hopCount := r.HopCount + 1
		if hopCount > t.maxHops {
			continue
		}
		candidateLQ := r.LinkQuality
		if newLQ < candidateLQ {
			candidateLQ = newLQ
		}
		candidate := RoutingEntry{
			Destination: r.Address,
			NextHop:     sender,
			HopCount:    hopCount,
			LinkQuality: candidateLQ,
			LastSeenMs:  nowMs,
			IsValid:     true,
		}
		t.considerRouteLocked(candidate)
	}
	t.enforceBoundsLocked()
}

// considerRouteLocked installs candidate only if no route exists, or the
// candidate improves hop count, or ties on hop count with strictly
// higher link quality (spec §4.5 rule).
func (t *Table) considerRouteLocked(candidate RoutingEntry) {
	existing, ok := t.routes[candidate.Destination]
	if !ok {
		t.installRouteLocked(candidate)
		return
	}
	if candidate.HopCount < existing.HopCount {
		t.installRouteLocked(candidate)
		return
	}
	if candidate.HopCount == existing.HopCount && candidate.LinkQuality > existing.LinkQuality {
		t.installRouteLocked(candidate)
	}
}

func (t *Table) installRouteLocked(r RoutingEntry) {
	if r.NextHop == t.self {
		return // loop prevention: never advertise a route whose next_hop is the recipient itself
	}
	t.routes[r.Destination] = r
	if cb := t.onRouteUpdate; cb != nil {
		go cb(RouteUpdate{Updated: true, Destination: r.Destination, NextHop: r.NextHop, HopCount: r.HopCount})
	}
}

// enforceBoundsLocked evicts the oldest node (by LastSeenMs) if the
// node set has grown past maxNodes.
func (t *Table) enforceBoundsLocked() {
	if t.maxNodes <= 0 || len(t.nodes) <= t.maxNodes {
		return
	}
	var oldestAddr wire.AddressType
	var oldestSeen uint32 = ^uint32(0)
	first := true
	for addr, n := range t.nodes {
		if first || n.LastSeenMs < oldestSeen {
			oldestAddr, oldestSeen, first = addr, n.LastSeenMs, false
		}
	}
	if !first {
		t.evictLocked(oldestAddr)
	}
}

func (t *Table) evictLocked(addr wire.AddressType) {
	delete(t.nodes, addr)
	if r, ok := t.routes[addr]; ok {
		delete(t.routes, addr)
		if cb := t.onRouteUpdate; cb != nil {
			go cb(RouteUpdate{Updated: false, Destination: addr, NextHop: r.NextHop, HopCount: r.HopCount})
		}
	}
}

// Tick evicts neighbors and valid routes whose last_seen has exceeded
// the configured route timeout. Seeded hints (IsValid=false) are left in
// place.
func (t *Table) Tick(nowMs uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []wire.AddressType
	for addr, n := range t.nodes {
		if nowMs-n.LastSeenMs > t.routeTimeoutMs {
			stale = append(stale, addr)
		}
	}
	for addr, r := range t.routes {
		if r.IsValid && nowMs-r.LastSeenMs > t.routeTimeoutMs {
			stale = append(stale, addr)
		}
	}
	for _, addr := range stale {
		t.evictLocked(addr)
	}
}

// NeighborSummary builds the bounded neighbor-summary vector this node
// advertises in its own HELLO broadcasts (spec §4.5), capped at maxLen
// entries (the sender's direct neighbors). Entries are taken in map
// iteration order, so which neighbors survive the cap is unspecified.
func (t *Table) NeighborSummary(maxLen int) []NeighborSummaryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]NeighborSummaryEntry, 0, maxLen)
	for addr, n := range t.nodes {
		if len(out) >= maxLen {
			break
		}
		out = append(out, NeighborSummaryEntry{
			Address:     addr,
			HopCount:    n.Routing.HopCount,
			LinkQuality: n.Routing.LinkQuality,
		})
	}
	return out
}

// Snapshot returns a copy of every currently valid route, for the
// Application API's get_routing_table command.
func (t *Table) Snapshot() []RoutingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RoutingEntry, 0, len(t.routes))
	for _, r := range t.routes {
		if r.IsValid {
			out = append(out, r)
		}
	}
	return out
}

// NodeCount returns the current number of tracked peers.
func (t *Table) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}
