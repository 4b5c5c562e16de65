package scheduler

import (
	"sync"

	"github.com/agsys/loramesher/internal/lmerr"
)

// SlotBoundaryFunc is invoked by Tick once per slot transition,
// receiving the newly entered slot index and its type.
type SlotBoundaryFunc func(slotIndex uint16, slotType SlotType)

// Scheduler is the live TDMA clock: it wraps a Superframe plus the slot
// table derived from it, and exposes the query/adjustment operations
// every other component (sync, routing, forwarding) schedules work
// against. It takes now_ms explicitly rather than reading a wall clock,
// so callers drive it from whatever time source their driver exposes.
type Scheduler struct {
	mu        sync.Mutex
	frame     Superframe
	slotTable []SlotType
	running   bool
	onBoundary SlotBoundaryFunc
	lastSlot  uint16
	haveLast  bool
}

// New builds a Scheduler from a validated Superframe.
func New(frame Superframe) (*Scheduler, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		frame:     frame,
		slotTable: BuildSlotTable(frame),
	}, nil
}

// SetSlotBoundaryCallback registers the function called on every slot
// transition observed through Tick. Pass nil to clear it.
func (s *Scheduler) SetSlotBoundaryCallback(fn SlotBoundaryFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBoundary = fn
}

// Start marks the scheduler running. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

// Stop marks the scheduler stopped. stop∘stop = stop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// CurrentSlot returns the slot index active at nowMs: 0 if nowMs
// precedes the superframe anchor, else (now-start)/slot_duration mod
// total_slots.
func (s *Scheduler) CurrentSlot(nowMs uint32) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame.CurrentSlot(nowMs)
}

// TimeInSlot returns milliseconds elapsed within the current slot.
func (s *Scheduler) TimeInSlot(nowMs uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame.TimeInSlot(nowMs)
}

// SlotType returns the configured type of slotIndex, wrapping out-of-
// range indices into the table.
func (s *Scheduler) SlotType(slotIndex uint16) SlotType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.slotTable) == 0 {
		return SlotSleep
	}
	return s.slotTable[slotIndex%uint16(len(s.slotTable))]
}

// IsNewSuperframe reports whether a full cycle has elapsed since the
// current anchor.
func (s *Scheduler) IsNewSuperframe(nowMs uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame.IsNewSuperframe(nowMs)
}

// AdvanceToNextSuperframe rolls the anchor forward to the start of the
// next full cycle relative to nowMs.
func (s *Scheduler) AdvanceToNextSuperframe(nowMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame.AdvanceToNextSuperframe(nowMs)
}

// SynchronizeWith adjusts the local anchor so that, at txTimeMs, this
// node's current_slot equals remoteSlot: start_time_ms = txTimeMs -
// (remoteSlot * slot_duration_ms). Always accepted, including when it
// moves the anchor backwards relative to wall time: that's the expected
// correction when the local clock has drifted ahead of the NM.
// Idempotent for repeated calls with the same (txTimeMs, remoteSlot).
func (s *Scheduler) SynchronizeWith(txTimeMs uint32, remoteSlot uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := uint32(remoteSlot) * s.frame.SlotDurationMs
	if offset > txTimeMs {
		s.frame.SuperframeStartMs = 0
		return
	}
	s.frame.SuperframeStartMs = txTimeMs - offset
}

// Reconfigure replaces the superframe and rebuilds the slot table,
// applied when the NM publishes a new slot allocation (e.g. a resized
// network). The anchor is preserved.
func (s *Scheduler) Reconfigure(frame Superframe) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	frame.SuperframeStartMs = s.frame.SuperframeStartMs
	s.frame = frame
	s.slotTable = BuildSlotTable(frame)
	return nil
}

// Frame returns a copy of the current superframe shape.
func (s *Scheduler) Frame() Superframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Tick evaluates the slot at nowMs and fires the slot-boundary callback
// exactly once per transition, whether or not the scheduler is running.
// Callers drive this from their own timer loop (see internal/node); it
// deliberately does not start a goroutine of its own.
func (s *Scheduler) Tick(nowMs uint32) {
	s.mu.Lock()
	slot := s.frame.CurrentSlot(nowMs)
	fired := !s.haveLast || slot != s.lastSlot
	s.lastSlot = slot
	s.haveLast = true
	cb := s.onBoundary
	var slotType SlotType
	if len(s.slotTable) > 0 {
		slotType = s.slotTable[slot%uint16(len(s.slotTable))]
	}
	s.mu.Unlock()

	if fired && cb != nil {
		cb(slot, slotType)
	}
}

// RemainingSlotTimeMs returns how much time is left in the current slot
// at nowMs, used by the forwarding engine's slot-admission check before
// starting a transmission.
func (s *Scheduler) RemainingSlotTimeMs(nowMs uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := s.frame.TimeInSlot(nowMs)
	if elapsed >= s.frame.SlotDurationMs {
		return 0
	}
	return s.frame.SlotDurationMs - elapsed
}

// ErrNotRunning is the InvalidState error for a scheduler that has not
// been started. No Scheduler method returns it.
var ErrNotRunning = lmerr.New(lmerr.InvalidState, "scheduler is not running")
