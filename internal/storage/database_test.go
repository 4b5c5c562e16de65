package storage

import "testing"

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadNodeAddressBeforeAnySaveReturnsNotOK(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.LoadNodeAddress()
	if err != nil {
		t.Fatalf("LoadNodeAddress failed: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false on a fresh database")
	}
}

func TestSaveAndLoadNodeAddressRoundTrips(t *testing.T) {
	db := openTestDB(t)
	if err := db.SaveNodeAddress(0x00AB); err != nil {
		t.Fatalf("SaveNodeAddress failed: %v", err)
	}
	addr, ok, err := db.LoadNodeAddress()
	if err != nil {
		t.Fatalf("LoadNodeAddress failed: %v", err)
	}
	if !ok || addr != 0x00AB {
		t.Fatalf("LoadNodeAddress = (%v, %v), want (0x00AB, true)", addr, ok)
	}
}

func TestSaveNodeAddressOverwritesPreviousValue(t *testing.T) {
	db := openTestDB(t)
	db.SaveNodeAddress(0x0001)
	db.SaveNodeAddress(0x0002)
	addr, _, _ := db.LoadNodeAddress()
	if addr != 0x0002 {
		t.Fatalf("addr = %v, want 0x0002 (second save should replace the first)", addr)
	}
}

func TestReplaceRoutingSnapshotReplacesWholesale(t *testing.T) {
	db := openTestDB(t)
	first := []RouteSnapshotEntry{
		{Destination: 2, NextHop: 2, HopCount: 1, LinkQuality: 200, LastSeenMs: 1000},
		{Destination: 3, NextHop: 2, HopCount: 2, LinkQuality: 150, LastSeenMs: 1000},
	}
	if err := db.ReplaceRoutingSnapshot(first); err != nil {
		t.Fatalf("ReplaceRoutingSnapshot failed: %v", err)
	}

	second := []RouteSnapshotEntry{
		{Destination: 4, NextHop: 4, HopCount: 1, LinkQuality: 220, LastSeenMs: 2000},
	}
	if err := db.ReplaceRoutingSnapshot(second); err != nil {
		t.Fatalf("ReplaceRoutingSnapshot (second) failed: %v", err)
	}

	loaded, err := db.LoadRoutingSnapshot()
	if err != nil {
		t.Fatalf("LoadRoutingSnapshot failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Destination != 4 {
		t.Fatalf("loaded = %+v, want exactly the second snapshot", loaded)
	}
}

func TestInsertAndGetPingHistoryOrdersNewestFirst(t *testing.T) {
	db := openTestDB(t)
	db.InsertPingResult(0x0002, 120, true)
	db.InsertPingResult(0x0002, 0, false)
	db.InsertPingResult(0x0003, 80, true)

	entries, err := db.GetPingHistory(0x0002, 10)
	if err != nil {
		t.Fatalf("GetPingHistory failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Success {
		t.Error("expected the most recent entry (the failed ping) first")
	}
}

func TestGetPingHistoryRespectsLimit(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		db.InsertPingResult(0x0002, uint32(i), true)
	}
	entries, err := db.GetPingHistory(0x0002, 2)
	if err != nil {
		t.Fatalf("GetPingHistory failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
}
