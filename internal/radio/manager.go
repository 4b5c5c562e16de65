package radio

import (
	"sync"

	"github.com/agsys/loramesher/internal/lmerr"
)

// DefaultQueueCapacity is the default bounded event queue size (spec §4.2).
const DefaultQueueCapacity = 16

// Manager owns a Driver, serializes every call into it, and turns the
// driver's receive-action callback into a bounded, drop-oldest FIFO that
// a single consumer drains. Grounded on the teacher's
// ConcentratordDriver: one struct, one mutex, idempotent Start/Stop,
// goroutine draining events into a callback.
type Manager struct {
	mu       sync.Mutex
	driver   Driver
	queue    []Event
	capacity int
	dropped  uint64

	transmitting bool

	notify chan struct{}
}

// NewManager wraps driver with a bounded event queue of the given
// capacity (DefaultQueueCapacity if capacity <= 0).
func NewManager(driver Driver, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	m := &Manager{
		driver:   driver,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
	driver.SetReceiveAction(m.enqueue)
	return m
}

// enqueue is the non-blocking receive action invoked by the driver on
// every IRQ. On overflow the oldest event is dropped and the overflow
// counter incremented; this method never blocks.
func (m *Manager) enqueue(ev Event) {
	m.mu.Lock()
	if len(m.queue) >= m.capacity {
		m.queue = m.queue[1:]
		m.dropped++
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the number of events dropped so far due to queue
// overflow (observability only, per spec §4.2).
func (m *Manager) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Poll returns and removes the oldest queued event, or ok=false if the
// queue is empty. The consumer drains with Poll in a loop, blocking on
// Notify() between drains.
func (m *Manager) Poll() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Event{}, false
	}
	ev := m.queue[0]
	m.queue = m.queue[1:]
	return ev, true
}

// Notify returns the channel that receives a signal whenever an event is
// enqueued (coalesced; does not guarantee one signal per event).
func (m *Manager) Notify() <-chan struct{} {
	return m.notify
}

// Configure forwards to the driver.
func (m *Manager) Configure(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driver.Configure(cfg)
}

// Begin forwards to the driver.
func (m *Manager) Begin(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driver.Begin(cfg)
}

// Send transmits payload, refusing with Busy if a transmission is
// already outstanding. The manager is the single writer to the radio
// (spec §5 shared-resources rule).
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	if m.transmitting {
		m.mu.Unlock()
		return lmerr.New(lmerr.Busy, "transmission already in progress")
	}
	m.transmitting = true
	driver := m.driver
	m.mu.Unlock()

	err := driver.Send(payload)

	m.mu.Lock()
	m.transmitting = false
	m.mu.Unlock()

	return err
}

// StartReceive forwards to the driver.
func (m *Manager) StartReceive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driver.StartReceive()
}

// Sleep forwards to the driver. Always allowed, matching the
// any-state-to-Sleep transition rule in spec §4.2.
func (m *Manager) Sleep() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driver.Sleep()
}

// State returns the driver's current radio state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driver.State()
}

// TimeOnAirMs forwards to the driver's time-on-air computation, used by
// the forwarding engine to test slot admission.
func (m *Manager) TimeOnAirMs(payloadLen int) float64 {
	return m.driver.TimeOnAirMs(payloadLen)
}

// RSSI, SNR and their last-packet variants forward directly; they are
// read-only queries and need no mutex serialization against Send.
func (m *Manager) RSSI() float64            { return m.driver.RSSI() }
func (m *Manager) SNR() float64             { return m.driver.SNR() }
func (m *Manager) LastPacketRSSI() float64  { return m.driver.LastPacketRSSI() }
func (m *Manager) LastPacketSNR() float64   { return m.driver.LastPacketSNR() }
func (m *Manager) IsTransmitting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transmitting
}

// Close releases the underlying driver.
func (m *Manager) Close() error {
	return m.driver.Close()
}
