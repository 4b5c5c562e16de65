package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection backing optional node
// persistence (spec.md §6.5: persistence is optional, never required
// for correct operation).
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	-- Resolved node address, persisted so a restart doesn't require
	-- re-deriving it from the system identifier.
	CREATE TABLE IF NOT EXISTS node_identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		node_address INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Last-known routing table, written by the node orchestrator on
	-- clean shutdown and replaced wholesale on each snapshot.
	CREATE TABLE IF NOT EXISTS routing_snapshot (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		destination INTEGER NOT NULL,
		next_hop INTEGER NOT NULL,
		hop_count INTEGER NOT NULL,
		link_quality INTEGER NOT NULL,
		last_seen_ms INTEGER NOT NULL,
		snapshot_time DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_routing_snapshot_dest ON routing_snapshot(destination);

	-- Completed PingPong round trips, kept for diagnostics.
	CREATE TABLE IF NOT EXISTS ping_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address INTEGER NOT NULL,
		rtt_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_ping_history_address ON ping_history(address);
	CREATE INDEX IF NOT EXISTS idx_ping_history_timestamp ON ping_history(timestamp);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Node identity ---

// SaveNodeAddress upserts the single node_identity row.
func (db *DB) SaveNodeAddress(address uint16) error {
	query := `INSERT INTO node_identity (id, node_address, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET node_address = excluded.node_address, updated_at = excluded.updated_at`
	_, err := db.conn.Exec(query, address, time.Now())
	return err
}

// LoadNodeAddress returns the persisted node address. ok is false if no
// identity has ever been saved (first boot).
func (db *DB) LoadNodeAddress() (address uint16, ok bool, err error) {
	err = db.conn.QueryRow("SELECT node_address FROM node_identity WHERE id = 1").Scan(&address)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return address, true, nil
}

// --- Routing snapshot ---

// ReplaceRoutingSnapshot atomically replaces the persisted routing
// table with entries.
func (db *DB) ReplaceRoutingSnapshot(entries []RouteSnapshotEntry) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM routing_snapshot"); err != nil {
		return err
	}
	for _, e := range entries {
		_, err := tx.Exec(`INSERT INTO routing_snapshot
			(destination, next_hop, hop_count, link_quality, last_seen_ms, snapshot_time)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.Destination, e.NextHop, e.HopCount, e.LinkQuality, e.LastSeenMs, time.Now())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadRoutingSnapshot retrieves the most recently persisted routing
// table.
func (db *DB) LoadRoutingSnapshot() ([]RouteSnapshotEntry, error) {
	query := `SELECT id, destination, next_hop, hop_count, link_quality, last_seen_ms, snapshot_time
		FROM routing_snapshot ORDER BY destination`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RouteSnapshotEntry
	for rows.Next() {
		var e RouteSnapshotEntry
		if err := rows.Scan(&e.ID, &e.Destination, &e.NextHop, &e.HopCount,
			&e.LinkQuality, &e.LastSeenMs, &e.SnapshotTime); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Ping history ---

// InsertPingResult records a completed ping round trip.
func (db *DB) InsertPingResult(address uint16, rttMs uint32, success bool) (int64, error) {
	query := `INSERT INTO ping_history (address, rtt_ms, success, timestamp) VALUES (?, ?, ?, ?)`
	result, err := db.conn.Exec(query, address, rttMs, success, time.Now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetPingHistory retrieves the most recent ping results for address,
// newest first, bounded by limit.
func (db *DB) GetPingHistory(address uint16, limit int) ([]PingHistoryEntry, error) {
	query := `SELECT id, address, rtt_ms, success, timestamp FROM ping_history
		WHERE address = ? ORDER BY timestamp DESC LIMIT ?`

	rows, err := db.conn.Query(query, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []PingHistoryEntry
	for rows.Next() {
		var e PingHistoryEntry
		if err := rows.Scan(&e.ID, &e.Address, &e.RTTMs, &e.Success, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
