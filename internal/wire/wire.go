// Package wire implements the LoraMesher frame codec: a BaseHeader plus
// an optional typed extension and payload, all little-endian. Mirrors the
// fixed-layout header/payload encode-decode style this stack uses
// throughout rather than a general-purpose serialization library, since
// the frames must fit inside a single LoRa PHY payload.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/agsys/loramesher/internal/lmerr"
)

// AddressType is the 16-bit node address space. 0x0000 is reserved for
// auto-assignment; 0xFFFF is the broadcast address.
type AddressType uint16

const (
	AddressUnassigned AddressType = 0x0000
	AddressBroadcast  AddressType = 0xFFFF
)

// MessageType tags frame class. High nibble selects the class, low
// nibble a subtype (used by CONTROL's PING/PONG split).
type MessageType uint8

const (
	MsgData        MessageType = 0x01
	MsgXLData      MessageType = 0x02
	MsgHello       MessageType = 0x03
	MsgAck         MessageType = 0x04
	MsgLost        MessageType = 0x05
	MsgSyncBeacon  MessageType = 0x06
	MsgNeedAck     MessageType = 0x07
	MsgRouting     MessageType = 0x10
	MsgControlPing MessageType = 0x23
	MsgControlPong MessageType = 0x24
)

// IsControl reports whether t falls in the 0x20..0x2F CONTROL class.
func (t MessageType) IsControl() bool {
	return t&0xF0 == 0x20
}

func knownMessageType(t MessageType) bool {
	switch t {
	case MsgData, MsgXLData, MsgHello, MsgAck, MsgLost, MsgSyncBeacon, MsgNeedAck, MsgRouting, MsgControlPing, MsgControlPong:
		return true
	}
	return false
}

// BaseHeaderSize is the fixed 6-byte base header length.
const BaseHeaderSize = 6

// MaxPayloadSize is the largest payload a BaseHeader can describe
// (payload_size is a single byte).
const MaxPayloadSize = 255

// BaseHeader is the common 6-byte prefix of every frame.
type BaseHeader struct {
	Destination AddressType
	Source      AddressType
	Type        MessageType
	PayloadSize uint8
}

// Encode writes the base header into a fresh 6-byte buffer.
func (h BaseHeader) Encode() []byte {
	buf := make([]byte, BaseHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Destination))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Source))
	buf[4] = uint8(h.Type)
	buf[5] = h.PayloadSize
	return buf
}

// DecodeBaseHeader parses the first 6 bytes of buf. Returns an error on
// short input; it does not validate the type against a payload.
func DecodeBaseHeader(buf []byte) (BaseHeader, error) {
	if len(buf) < BaseHeaderSize {
		return BaseHeader{}, lmerr.New(lmerr.SerializationError, "base header short read")
	}
	return BaseHeader{
		Destination: AddressType(binary.LittleEndian.Uint16(buf[0:2])),
		Source:      AddressType(binary.LittleEndian.Uint16(buf[2:4])),
		Type:        MessageType(buf[4]),
		PayloadSize: buf[5],
	}, nil
}

// Message is a fully decoded frame: base header plus whatever payload
// bytes followed it (which may themselves hold a typed extension).
type Message struct {
	Header  BaseHeader
	Payload []byte
}

// NewMessage builds a message of any class, rejecting an oversized payload
// or a type this codec doesn't recognize.
func NewMessage(dest, src AddressType, typ MessageType, payload []byte) (*Message, error) {
	if len(payload) > MaxPayloadSize {
		return nil, lmerr.New(lmerr.InvalidParameter, fmt.Sprintf("payload too large: %d bytes", len(payload)))
	}
	if !knownMessageType(typ) {
		return nil, lmerr.New(lmerr.InvalidParameter, fmt.Sprintf("unrecognized message type 0x%02X", typ))
	}
	return &Message{
		Header: BaseHeader{
			Destination: dest,
			Source:      src,
			Type:        typ,
			PayloadSize: uint8(len(payload)),
		},
		Payload: append([]byte(nil), payload...),
	}, nil
}

// Encode serializes header then payload.
func (m *Message) Encode() []byte {
	buf := make([]byte, BaseHeaderSize+len(m.Payload))
	copy(buf[:BaseHeaderSize], m.Header.Encode())
	copy(buf[BaseHeaderSize:], m.Payload)
	return buf
}

// Decode parses a full frame: base header followed by payload bytes.
func Decode(buf []byte) (*Message, error) {
	h, err := DecodeBaseHeader(buf)
	if err != nil {
		return nil, err
	}
	rest := buf[BaseHeaderSize:]
	if len(rest) < int(h.PayloadSize) {
		return nil, lmerr.New(lmerr.SerializationError, "payload short read")
	}
	return &Message{
		Header:  h,
		Payload: append([]byte(nil), rest[:h.PayloadSize]...),
	}, nil
}

// SyncBeaconHeader is the 13-byte SYNC_BEACON extension. Per this spec's
// pinned field layout, it carries propagation_delay_ms but not an
// original-transmission timestamp: propagation delay alone is sufficient
// to recompute the anchor at each hop (see synchronize_with).
type SyncBeaconHeader struct {
	Base               BaseHeader
	NetworkID          uint16
	TotalSlots         uint8
	SlotDurationMs     uint16
	NetworkManager     AddressType
	HopCount           uint8
	PropagationDelayMs uint32
	MaxHops            uint8
}

const syncBeaconExtSize = 13

// NewSyncBeaconHeader builds a beacon with payload_size = 0, as required
// by the wire format (the extension carries no trailing payload).
func NewSyncBeaconHeader(dest, src AddressType, networkID uint16, totalSlots uint8, slotDurationMs uint16,
	nm AddressType, hopCount uint8, propagationDelayMs uint32, maxHops uint8) SyncBeaconHeader {
	return SyncBeaconHeader{
		Base: BaseHeader{
			Destination: dest,
			Source:      src,
			Type:        MsgSyncBeacon,
			PayloadSize: 0,
		},
		NetworkID:          networkID,
		TotalSlots:         totalSlots,
		SlotDurationMs:     slotDurationMs,
		NetworkManager:     nm,
		HopCount:           hopCount,
		PropagationDelayMs: propagationDelayMs,
		MaxHops:            maxHops,
	}
}

// Encode serializes the base header followed by the 13-byte extension.
func (h SyncBeaconHeader) Encode() []byte {
	buf := make([]byte, BaseHeaderSize+syncBeaconExtSize)
	copy(buf[:BaseHeaderSize], h.Base.Encode())
	ext := buf[BaseHeaderSize:]
	binary.LittleEndian.PutUint16(ext[0:2], h.NetworkID)
	ext[2] = h.TotalSlots
	binary.LittleEndian.PutUint16(ext[3:5], h.SlotDurationMs)
	binary.LittleEndian.PutUint16(ext[5:7], uint16(h.NetworkManager))
	ext[7] = h.HopCount
	binary.LittleEndian.PutUint32(ext[8:12], h.PropagationDelayMs)
	ext[12] = h.MaxHops
	return buf
}

// DecodeSyncBeaconHeader parses a SYNC_BEACON frame, rejecting any other
// message type.
func DecodeSyncBeaconHeader(buf []byte) (SyncBeaconHeader, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return SyncBeaconHeader{}, err
	}
	if base.Type != MsgSyncBeacon {
		return SyncBeaconHeader{}, lmerr.New(lmerr.SerializationError, "not a sync beacon frame")
	}
	if len(buf) < BaseHeaderSize+syncBeaconExtSize {
		return SyncBeaconHeader{}, lmerr.New(lmerr.SerializationError, "sync beacon extension short read")
	}
	ext := buf[BaseHeaderSize : BaseHeaderSize+syncBeaconExtSize]
	return SyncBeaconHeader{
		Base:               base,
		NetworkID:          binary.LittleEndian.Uint16(ext[0:2]),
		TotalSlots:         ext[2],
		SlotDurationMs:     binary.LittleEndian.Uint16(ext[3:5]),
		NetworkManager:     AddressType(binary.LittleEndian.Uint16(ext[5:7])),
		HopCount:           ext[7],
		PropagationDelayMs: binary.LittleEndian.Uint32(ext[8:12]),
		MaxHops:            ext[12],
	}, nil
}

// CreateForwardedBeacon returns a new header for re-transmission by
// forwardingNode: source becomes the forwarder, hop count increments,
// and propagationDelayMs accumulates the local processing + time-on-air
// delay. The received header is left untouched so the caller can still
// use it for its own NM-election bookkeeping.
func (h SyncBeaconHeader) CreateForwardedBeacon(forwardingNode AddressType, processingDelayMs uint32) SyncBeaconHeader {
	return SyncBeaconHeader{
		Base: BaseHeader{
			Destination: h.Base.Destination,
			Source:      forwardingNode,
			Type:        MsgSyncBeacon,
			PayloadSize: 0,
		},
		NetworkID:          h.NetworkID,
		TotalSlots:         h.TotalSlots,
		SlotDurationMs:     h.SlotDurationMs,
		NetworkManager:     h.NetworkManager,
		HopCount:           h.HopCount + 1,
		PropagationDelayMs: h.PropagationDelayMs + processingDelayMs,
		MaxHops:            h.MaxHops,
	}
}

// PingPongHeader is the 6-byte CONTROL/PING|PONG extension.
type PingPongHeader struct {
	Base           BaseHeader
	SequenceNumber uint16
	TimestampMs    uint32
}

const pingPongExtSize = 6

func NewPingPongHeader(dest, src AddressType, subtype MessageType, seq uint16, timestampMs uint32) PingPongHeader {
	return PingPongHeader{
		Base: BaseHeader{
			Destination: dest,
			Source:      src,
			Type:        subtype,
			PayloadSize: 0,
		},
		SequenceNumber: seq,
		TimestampMs:    timestampMs,
	}
}

func (h PingPongHeader) Encode() []byte {
	buf := make([]byte, BaseHeaderSize+pingPongExtSize)
	copy(buf[:BaseHeaderSize], h.Base.Encode())
	ext := buf[BaseHeaderSize:]
	binary.LittleEndian.PutUint16(ext[0:2], h.SequenceNumber)
	binary.LittleEndian.PutUint32(ext[2:6], h.TimestampMs)
	return buf
}

func DecodePingPongHeader(buf []byte) (PingPongHeader, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return PingPongHeader{}, err
	}
	if !base.Type.IsControl() {
		return PingPongHeader{}, lmerr.New(lmerr.SerializationError, "not a control frame")
	}
	if len(buf) < BaseHeaderSize+pingPongExtSize {
		return PingPongHeader{}, lmerr.New(lmerr.SerializationError, "ping/pong extension short read")
	}
	ext := buf[BaseHeaderSize : BaseHeaderSize+pingPongExtSize]
	return PingPongHeader{
		Base:           base,
		SequenceNumber: binary.LittleEndian.Uint16(ext[0:2]),
		TimestampMs:    binary.LittleEndian.Uint32(ext[2:6]),
	}, nil
}

// RoutingHeader is inserted between BaseHeader and payload for DATA
// frames that require multi-hop forwarding.
type RoutingHeader struct {
	NextHop        AddressType
	SequenceID     uint8
	FragmentNumber uint16
}

const RoutingHeaderSize = 5

func (h RoutingHeader) Encode() []byte {
	buf := make([]byte, RoutingHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.NextHop))
	buf[2] = h.SequenceID
	binary.LittleEndian.PutUint16(buf[3:5], h.FragmentNumber)
	return buf
}

func DecodeRoutingHeader(buf []byte) (RoutingHeader, error) {
	if len(buf) < RoutingHeaderSize {
		return RoutingHeader{}, lmerr.New(lmerr.SerializationError, "routing header short read")
	}
	return RoutingHeader{
		NextHop:        AddressType(binary.LittleEndian.Uint16(buf[0:2])),
		SequenceID:     buf[2],
		FragmentNumber: binary.LittleEndian.Uint16(buf[3:5]),
	}, nil
}

// NeighborSummaryEntry is one entry of a HELLO's neighbor summary
// vector (spec §4.5): what the sender currently knows about a peer.
type NeighborSummaryEntry struct {
	Address     AddressType
	HopCount    uint8
	LinkQuality uint8
}

const neighborSummaryEntrySize = 4

// HelloPayload is the HELLO frame body carried as a MsgHello message's
// payload: unlike SYNC_BEACON/CONTROL/ROUTING it has no fixed-size
// extension struct of its own, since the neighbor summary is a
// length-prefixed vector of bounded but variable length.
type HelloPayload struct {
	BatteryLevel uint8
	Capabilities uint8
	HopCount     uint8
	Neighbors    []NeighborSummaryEntry
}

// Encode serializes the HELLO body: battery_level, capabilities,
// hop_count, then a one-byte neighbor count followed by that many
// {address, hop_count, link_quality} entries.
func (h HelloPayload) Encode() []byte {
	buf := make([]byte, 4+len(h.Neighbors)*neighborSummaryEntrySize)
	buf[0] = h.BatteryLevel
	buf[1] = h.Capabilities
	buf[2] = h.HopCount
	buf[3] = uint8(len(h.Neighbors))
	off := 4
	for _, n := range h.Neighbors {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(n.Address))
		buf[off+2] = n.HopCount
		buf[off+3] = n.LinkQuality
		off += neighborSummaryEntrySize
	}
	return buf
}

// DecodeHelloPayload parses a HELLO message's payload bytes.
func DecodeHelloPayload(buf []byte) (HelloPayload, error) {
	if len(buf) < 4 {
		return HelloPayload{}, lmerr.New(lmerr.SerializationError, "hello payload short read")
	}
	count := int(buf[3])
	want := 4 + count*neighborSummaryEntrySize
	if len(buf) < want {
		return HelloPayload{}, lmerr.New(lmerr.SerializationError, "hello payload neighbor vector short read")
	}
	h := HelloPayload{
		BatteryLevel: buf[0],
		Capabilities: buf[1],
		HopCount:     buf[2],
	}
	off := 4
	for i := 0; i < count; i++ {
		h.Neighbors = append(h.Neighbors, NeighborSummaryEntry{
			Address:     AddressType(binary.LittleEndian.Uint16(buf[off : off+2])),
			HopCount:    buf[off+2],
			LinkQuality: buf[off+3],
		})
		off += neighborSummaryEntrySize
	}
	return h, nil
}
