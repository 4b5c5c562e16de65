package routing

import (
	"testing"

	"github.com/agsys/loramesher/internal/wire"
)

func TestOnHelloInstallsDirectNeighbor(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	tbl.OnHello(0x0002, 80, 0, 1000, -60, 8, nil)

	route, ok := tbl.GetRoute(0x0002)
	if !ok {
		t.Fatal("expected a direct route to the HELLO sender")
	}
	if route.HopCount != 1 {
		t.Errorf("HopCount = %d, want 1", route.HopCount)
	}
	if route.NextHop != 0x0002 {
		t.Errorf("NextHop = %v, want 0x0002", route.NextHop)
	}
}

func TestOnHelloInstallsMultiHopCandidate(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	summary := []NeighborSummaryEntry{{Address: 0x0003, HopCount: 1, LinkQuality: 200}}
	tbl.OnHello(0x0002, 80, 0, 1000, -60, 8, summary)

	route, ok := tbl.GetRoute(0x0003)
	if !ok {
		t.Fatal("expected a multi-hop route via the HELLO sender")
	}
	if route.HopCount != 2 {
		t.Errorf("HopCount = %d, want 2", route.HopCount)
	}
	if route.NextHop != 0x0002 {
		t.Errorf("NextHop = %v, want 0x0002", route.NextHop)
	}
}

func TestOnHelloRejectsRouteExceedingMaxHops(t *testing.T) {
	tbl := New(Config{Self: 0x0001, MaxHops: 2, MaxNetworkNodes: DefaultMaxNetworkNodes, RouteTimeoutMs: DefaultRouteTimeoutMs})
	summary := []NeighborSummaryEntry{{Address: 0x0003, HopCount: 5, LinkQuality: 200}}
	tbl.OnHello(0x0002, 80, 0, 1000, -60, 8, summary)

	if _, ok := tbl.GetRoute(0x0003); ok {
		t.Fatal("expected route exceeding max_hops to be rejected")
	}
}

func TestOnHelloLoopPreventionSkipsSelfAndSender(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	summary := []NeighborSummaryEntry{
		{Address: 0x0001, HopCount: 1, LinkQuality: 200}, // self
		{Address: 0x0002, HopCount: 1, LinkQuality: 200}, // sender itself
	}
	tbl.OnHello(0x0002, 80, 0, 1000, -60, 8, summary)

	if _, ok := tbl.GetRoute(0x0001); ok {
		t.Fatal("must never install a route to self")
	}
	// Route to 0x0002 should still exist (the direct neighbor route),
	// just not re-derived from the summary entry.
	route, ok := tbl.GetRoute(0x0002)
	if !ok || route.HopCount != 1 {
		t.Errorf("direct neighbor route broken: %+v ok=%v", route, ok)
	}
}

func TestCandidatePrefersLowerHopCount(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	tbl.OnHello(0x0002, 80, 0, 1000, -60, 8, []NeighborSummaryEntry{{Address: 0x0004, HopCount: 3, LinkQuality: 100}})
	tbl.OnHello(0x0003, 80, 0, 1000, -60, 8, []NeighborSummaryEntry{{Address: 0x0004, HopCount: 1, LinkQuality: 50}})

	route, ok := tbl.GetRoute(0x0004)
	if !ok {
		t.Fatal("expected route to 0x0004")
	}
	if route.NextHop != 0x0003 {
		t.Errorf("NextHop = %v, want 0x0003 (lower hop count wins)", route.NextHop)
	}
}

func TestCandidateTieBreaksOnHigherLinkQuality(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	tbl.OnHello(0x0002, 80, 0, 1000, -130, -20, []NeighborSummaryEntry{{Address: 0x0004, HopCount: 1, LinkQuality: 50}})
	tbl.OnHello(0x0003, 80, 0, 1000, -30, 10, []NeighborSummaryEntry{{Address: 0x0004, HopCount: 1, LinkQuality: 50}})

	route, ok := tbl.GetRoute(0x0004)
	if !ok {
		t.Fatal("expected route to 0x0004")
	}
	if route.NextHop != 0x0003 {
		t.Errorf("NextHop = %v, want 0x0003 (better link quality wins tie)", route.NextHop)
	}
}

func TestTickEvictsStaleRoutes(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	tbl.OnHello(0x0002, 80, 0, 1000, -60, 8, nil)

	tbl.Tick(1000 + DefaultRouteTimeoutMs + 1)
	if _, ok := tbl.GetRoute(0x0002); ok {
		t.Fatal("expected stale route to be evicted")
	}
}

func TestEnforceBoundsEvictsOldest(t *testing.T) {
	tbl := New(Config{Self: 0x0001, MaxHops: DefaultMaxHops, MaxNetworkNodes: 2, RouteTimeoutMs: DefaultRouteTimeoutMs})
	tbl.OnHello(0x0002, 80, 0, 1000, -60, 8, nil)
	tbl.OnHello(0x0003, 80, 0, 2000, -60, 8, nil)
	tbl.OnHello(0x0004, 80, 0, 3000, -60, 8, nil)

	if tbl.NodeCount() != 2 {
		t.Errorf("NodeCount() = %d, want 2 after bound enforcement", tbl.NodeCount())
	}
	if _, ok := tbl.GetRoute(0x0002); ok {
		t.Error("expected the oldest node (0x0002) to be evicted")
	}
}

func TestNeighborSummaryIsBounded(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	for addr := wire.AddressType(2); addr < 10; addr++ {
		tbl.OnHello(addr, 80, 0, 1000, -60, 8, nil)
	}
	summary := tbl.NeighborSummary(3)
	if len(summary) != 3 {
		t.Errorf("NeighborSummary(3) returned %d entries, want 3", len(summary))
	}
}

func TestSeedHintIsStoredButNotValidUntilConfirmed(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	tbl.SeedHint(0x0005, 0x0002, 2, 180, 500)

	if _, ok := tbl.GetRoute(0x0005); ok {
		t.Fatal("a seeded hint must not be returned by GetRoute until confirmed by a real HELLO")
	}
}

func TestSeedHintIsConfirmedByLaterHello(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	tbl.SeedHint(0x0002, 0x0002, 1, 180, 500)
	tbl.OnHello(0x0002, 80, 0, 1000, -60, 8, nil)

	route, ok := tbl.GetRoute(0x0002)
	if !ok || !route.IsValid {
		t.Fatal("expected a real HELLO to confirm the seeded hint into a valid route")
	}
}

func TestSeedHintIgnoresSelfDestination(t *testing.T) {
	tbl := New(DefaultConfig(0x0001))
	tbl.SeedHint(0x0001, 0x0002, 1, 180, 500)
	if _, ok := tbl.GetRoute(0x0001); ok {
		t.Error("expected SeedHint to refuse a route pointing at self")
	}
}
