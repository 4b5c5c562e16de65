// Package radio defines the LoRa modem abstraction (C2) and the manager
// that serializes driver calls and turns interrupts into a bounded event
// queue (C3). The register-level modem driver itself is out of scope
// (spec Non-goals); Driver is the boundary a real modem binding or the
// ZeroMQ gateway in this package implements.
package radio

import (
	"math"

	"github.com/agsys/loramesher/internal/lmerr"
)

// State is the radio's current operating mode.
type State int

const (
	StateIdle State = iota
	StateReceive
	StateTransmit
	StateCad
	StateSleep
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateReceive:
		return "Receive"
	case StateTransmit:
		return "Transmit"
	case StateCad:
		return "Cad"
	case StateSleep:
		return "Sleep"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Config holds the per-modem radio parameters from spec.md §6.2.
type Config struct {
	FrequencyMHz    float64
	SpreadingFactor uint8 // 6..12
	BandwidthKHz    float64
	CodingRate      uint8 // 5..8 (denominator of 4/CR)
	PowerDBm        int8
	SyncWord        uint8
	CRCEnabled      bool
	PreambleLength  uint16
}

// DefaultConfig matches common 915MHz US ISM band defaults.
func DefaultConfig() Config {
	return Config{
		FrequencyMHz:    915.0,
		SpreadingFactor: 10,
		BandwidthKHz:    125.0,
		CodingRate:      5,
		PowerDBm:        14,
		SyncWord:        0x12,
		CRCEnabled:      true,
		PreambleLength:  8,
	}
}

// Validate checks Config against the ranges in spec.md §6.2.
func (c Config) Validate() error {
	if c.FrequencyMHz < 150 || c.FrequencyMHz > 960 {
		return lmerr.New(lmerr.InvalidParameter, "frequency_mhz out of range 150..960")
	}
	if c.SpreadingFactor < 6 || c.SpreadingFactor > 12 {
		return lmerr.New(lmerr.InvalidParameter, "spreading_factor out of range 6..12")
	}
	if c.BandwidthKHz < 7.8 || c.BandwidthKHz > 500 {
		return lmerr.New(lmerr.InvalidParameter, "bandwidth_khz out of range 7.8..500")
	}
	if c.CodingRate < 5 || c.CodingRate > 8 {
		return lmerr.New(lmerr.InvalidParameter, "coding_rate out of range 5..8")
	}
	if c.PowerDBm < -4 || c.PowerDBm > 22 {
		return lmerr.New(lmerr.InvalidParameter, "power_dbm out of range -4..22")
	}
	return nil
}

// TimeOnAirMs computes LoRa transmission time for a payload of the given
// length under this config, per the standard symbol-time formula:
// T_symbol = 2^SF / BW_kHz ms; T_preamble = (n_preamble + 4.25) * T_symbol;
// payload symbol count folds in header, CRC, and coding-rate overhead.
func (c Config) TimeOnAirMs(payloadLen int) float64 {
	tSymbol := math.Pow(2, float64(c.SpreadingFactor)) / c.BandwidthKHz
	tPreamble := (float64(c.PreambleLength) + 4.25) * tSymbol

	de := 0.0
	if c.SpreadingFactor >= 11 {
		de = 1 // low data rate optimization mandated at high SF
	}
	crcBit := 0.0
	if c.CRCEnabled {
		crcBit = 16
	}

	numerator := 8*float64(payloadLen) - 4*float64(c.SpreadingFactor) + 28 + crcBit
	denominator := 4 * (float64(c.SpreadingFactor) - 2*de)
	nPayload := math.Max(math.Ceil(numerator/denominator)*float64(c.CodingRate), 0) + 8

	tPayload := nPayload * tSymbol
	return tPreamble + tPayload
}

// Event is the tagged variant the driver posts into the manager's queue
// on every IRQ. Which fields besides Kind are meaningful depends on the
// kind: a received event carries Data, RSSI, SNR and TimestampMs.
type EventKind int

const (
	EventReceived EventKind = iota
	EventTransmitted
	EventReceivedTimeout
	EventTransmittedTimeout
	EventCrcError
	EventPreambleDetected
	EventSyncWordValid
	EventHeaderValid
	EventHeaderError
	EventNoise
	EventCadDone
	EventCadDetected
	EventRxError
	EventTxError
)

// Event carries a received frame's raw bytes and radio metrics when
// Kind == EventReceived; other kinds carry no payload.
type Event struct {
	Kind      EventKind
	Data      []byte
	RSSI      float64
	SNR       float64
	TimestampMs uint32
}

// Driver is the boundary to a register-level LoRa modem or an external
// gateway process. Send and StartReceive may block until the modem (or
// gateway) confirms completion; implementations must enforce their own
// timeout. ReceiveAction must be non-blocking: it only enqueues.
type Driver interface {
	Configure(cfg Config) error
	Begin(cfg Config) error
	Send(payload []byte) error
	StartReceive() error
	Sleep() error

	SetReceiveAction(action func(Event))

	State() State
	RSSI() float64
	SNR() float64
	LastPacketRSSI() float64
	LastPacketSNR() float64
	IsTransmitting() bool
	TimeOnAirMs(payloadLen int) float64

	Close() error
}
