// Package storage provides optional SQLite-backed persistence for node
// identity and the last-known routing table. A restarted node keeps its
// address and gets the saved routes back as invalid hints; it still
// starts in Discovery.
package storage

import "time"

// NodeIdentity is the single persisted row describing this node's
// resolved address.
type NodeIdentity struct {
	NodeAddress uint16    `json:"node_address"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RouteSnapshotEntry mirrors routing.RoutingEntry for persistence.
type RouteSnapshotEntry struct {
	ID           int64     `json:"id"`
	Destination  uint16    `json:"destination"`
	NextHop      uint16    `json:"next_hop"`
	HopCount     uint8     `json:"hop_count"`
	LinkQuality  uint8     `json:"link_quality"`
	LastSeenMs   uint32    `json:"last_seen_ms"`
	SnapshotTime time.Time `json:"snapshot_time"`
}

// PingHistoryEntry records a completed ping round trip, kept for
// diagnostics (read back with DB.GetPingHistory).
type PingHistoryEntry struct {
	ID        int64     `json:"id"`
	Address   uint16    `json:"address"`
	RTTMs     uint32    `json:"rtt_ms"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}
