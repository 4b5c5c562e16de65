// Package scheduler implements the TDMA superframe: a repeating cycle of
// fixed-duration slots classified as data, discovery, control, or sleep,
// and the clock that tracks the node's current position in it. Grounded
// on the original LoraMesher superframe model (superframe.cpp), adapted
// from a C++ value type into a Go struct with explicit now_ms arguments
// so tests can drive it with a virtual clock instead of wall time.
package scheduler

import (
	"fmt"

	"github.com/agsys/loramesher/internal/lmerr"
)

// SlotType classifies a single slot in the superframe's slot table.
type SlotType uint8

const (
	SlotTX SlotType = iota
	SlotRX
	SlotDiscoveryTX
	SlotDiscoveryRX
	SlotControlTX
	SlotControlRX
	SlotSleep
)

func (s SlotType) String() string {
	switch s {
	case SlotTX:
		return "TX"
	case SlotRX:
		return "RX"
	case SlotDiscoveryTX:
		return "DISCOVERY_TX"
	case SlotDiscoveryRX:
		return "DISCOVERY_RX"
	case SlotControlTX:
		return "CONTROL_TX"
	case SlotControlRX:
		return "CONTROL_RX"
	case SlotSleep:
		return "SLEEP"
	default:
		return fmt.Sprintf("SlotType(%d)", int(s))
	}
}

// Superframe is the cyclic TDMA schedule shape: total slot count, the
// per-class slot counts used to build the slot table, slot duration, and
// the anchor time the current cycle began at.
type Superframe struct {
	TotalSlots        uint16
	DataSlots         uint16
	DiscoverySlots    uint16
	ControlSlots      uint16
	SlotDurationMs    uint32
	SuperframeStartMs uint32
}

// DefaultSuperframe matches spec.md §6.3's default: 100 slots of 1000ms.
func DefaultSuperframe() Superframe {
	return CreateDefaultSuperframe(100, 1000)
}

// Validate checks the invariants from spec.md §3: the total slot count
// must be non-zero, the slot classes must not overallocate it, and slot
// duration must fall in the modem-feasible 10ms..60s range.
func (s Superframe) Validate() error {
	if s.TotalSlots == 0 {
		return lmerr.New(lmerr.InvalidParameter, "total slots cannot be zero")
	}
	allocated := uint32(s.DataSlots) + uint32(s.DiscoverySlots) + uint32(s.ControlSlots)
	if allocated > uint32(s.TotalSlots) {
		return lmerr.New(lmerr.InvalidParameter, "sum of slot classes exceeds total slots")
	}
	if s.SlotDurationMs < 10 || s.SlotDurationMs > 60000 {
		return lmerr.New(lmerr.InvalidParameter, "slot duration must be between 10ms and 60s")
	}
	return nil
}

// Duration returns the total superframe duration in milliseconds.
func (s Superframe) Duration() uint32 {
	return uint32(s.TotalSlots) * s.SlotDurationMs
}

// CurrentSlot returns the slot index active at nowMs.
func (s Superframe) CurrentSlot(nowMs uint32) uint16 {
	if nowMs < s.SuperframeStartMs {
		return 0
	}
	elapsed := nowMs - s.SuperframeStartMs
	return uint16((elapsed / s.SlotDurationMs) % uint32(s.TotalSlots))
}

// TimeInSlot returns how far, in ms, nowMs is into its current slot.
func (s Superframe) TimeInSlot(nowMs uint32) uint32 {
	if nowMs < s.SuperframeStartMs {
		return 0
	}
	elapsed := nowMs - s.SuperframeStartMs
	return elapsed % s.SlotDurationMs
}

// SlotStartTime returns the absolute start time of a slot index,
// wrapping slotNumber into range if it exceeds TotalSlots.
func (s Superframe) SlotStartTime(slotNumber uint16) uint32 {
	if slotNumber >= s.TotalSlots {
		slotNumber = slotNumber % s.TotalSlots
	}
	return s.SuperframeStartMs + uint32(slotNumber)*s.SlotDurationMs
}

// SlotEndTime returns the absolute end time of a slot index.
func (s Superframe) SlotEndTime(slotNumber uint16) uint32 {
	return s.SlotStartTime(slotNumber) + s.SlotDurationMs
}

// IsNewSuperframe reports whether at least one full cycle has elapsed
// since SuperframeStartMs.
func (s Superframe) IsNewSuperframe(nowMs uint32) bool {
	if nowMs < s.SuperframeStartMs {
		return false
	}
	return nowMs-s.SuperframeStartMs >= s.Duration()
}

// AdvanceToNextSuperframe rolls SuperframeStartMs forward by however many
// complete cycles have passed, landing on the start of the next one.
func (s *Superframe) AdvanceToNextSuperframe(nowMs uint32) {
	duration := s.Duration()
	elapsed := nowMs - s.SuperframeStartMs
	cyclesPassed := elapsed / duration
	s.SuperframeStartMs += (cyclesPassed + 1) * duration
}

// SlotDistribution returns the percentage share of data/discovery/control
// slots out of TotalSlots.
func (s Superframe) SlotDistribution() (dataPct, discoveryPct, controlPct float64) {
	if s.TotalSlots == 0 {
		return 0, 0, 0
	}
	total := float64(s.TotalSlots)
	return float64(s.DataSlots) / total * 100, float64(s.DiscoverySlots) / total * 100, float64(s.ControlSlots) / total * 100
}

// CreateDefaultSuperframe builds a superframe with the standard 60/20/20
// data/discovery/control split.
func CreateDefaultSuperframe(totalSlots uint16, slotDurationMs uint32) Superframe {
	data := uint16(float64(totalSlots) * 0.6)
	discovery := uint16(float64(totalSlots) * 0.2)
	control := totalSlots - data - discovery
	return Superframe{
		TotalSlots:     totalSlots,
		DataSlots:      data,
		DiscoverySlots: discovery,
		ControlSlots:   control,
		SlotDurationMs: slotDurationMs,
	}
}

// CreateOptimizedSuperframe scales both the total slot count and the
// data/discovery/control ratio to the expected network size: small
// networks get more discovery slots for dynamic joining, large networks
// trade discovery overhead for data throughput.
func CreateOptimizedSuperframe(nodeCount uint8, slotDurationMs uint32) Superframe {
	totalSlots := int(nodeCount) * 5
	if totalSlots < 50 {
		totalSlots = 50
	}
	if totalSlots > 200 {
		totalSlots = 200
	}

	var dataRatio, discoveryRatio float64
	switch {
	case nodeCount <= 5:
		dataRatio, discoveryRatio = 0.5, 0.3
	case nodeCount <= 20:
		dataRatio, discoveryRatio = 0.6, 0.2
	default:
		dataRatio, discoveryRatio = 0.7, 0.15
	}

	data := uint16(float64(totalSlots) * dataRatio)
	discovery := uint16(float64(totalSlots) * discoveryRatio)
	control := uint16(totalSlots) - data - discovery

	return Superframe{
		TotalSlots:     uint16(totalSlots),
		DataSlots:      data,
		DiscoverySlots: discovery,
		ControlSlots:   control,
		SlotDurationMs: slotDurationMs,
	}
}

// ValidateSlotDistribution runs Validate and additionally warns (without
// rejecting) when a slot class looks under-provisioned. Returns "" when
// there is nothing to report.
func ValidateSlotDistribution(s Superframe) string {
	if err := s.Validate(); err != nil {
		return err.Error()
	}

	dataPct, discoveryPct, controlPct := s.SlotDistribution()
	switch {
	case dataPct < 30.0:
		return "warning: data slots are less than 30% of total"
	case discoveryPct < 10.0:
		return "warning: discovery slots are less than 10% of total"
	case controlPct < 10.0:
		return "warning: control slots are less than 10% of total"
	}
	return ""
}

// CalculateOptimalSlotDuration estimates a slot length long enough to
// carry maxPacketSize bytes at dataRateBps plus guardTimeMs margin,
// rounded up to the nearest 10ms for clean timing.
func CalculateOptimalSlotDuration(maxPacketSize uint16, dataRateBps, guardTimeMs uint32) uint32 {
	bitsPerPacket := uint32(maxPacketSize)*8 + 64
	txTimeMs := bitsPerPacket * 1000 / dataRateBps
	totalMs := txTimeMs + guardTimeMs
	return (totalMs + 9) / 10 * 10
}

// BuildSlotTable assigns a SlotType to every index 0..TotalSlots-1 given
// the per-class slot counts, in the fixed order data, discovery,
// control, then sleep for any remainder. Every node builds its table
// from its own Superframe configuration; the table is not sent or
// received over the air.
func BuildSlotTable(s Superframe) []SlotType {
	table := make([]SlotType, s.TotalSlots)
	idx := uint16(0)
	for i := uint16(0); i < s.DataSlots && idx < s.TotalSlots; i++ {
		table[idx] = SlotTX
		idx++
	}
	for i := uint16(0); i < s.DiscoverySlots && idx < s.TotalSlots; i++ {
		table[idx] = SlotDiscoveryTX
		idx++
	}
	for i := uint16(0); i < s.ControlSlots && idx < s.TotalSlots; i++ {
		table[idx] = SlotControlTX
		idx++
	}
	for ; idx < s.TotalSlots; idx++ {
		table[idx] = SlotSleep
	}
	return table
}
